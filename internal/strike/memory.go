package strike

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
)

// userEntry — состояние одного пользователя под собственным мьютексом.
type userEntry struct {
	mu         sync.Mutex
	state      *model.StrikeState
	violations []time.Time
}

// MemoryLedger — журнал нарушений в памяти процесса.
// Корректен только в пределах одного процесса (локальная разработка, тесты).
type MemoryLedger struct {
	policy Policy
	logger *slog.Logger
	now    func() time.Time

	// mu защищает только карту users; состояние пользователя — userEntry.mu
	mu    sync.Mutex
	users map[string]*userEntry
}

// NewMemoryLedger создаёт журнал нарушений в памяти.
func NewMemoryLedger(policy Policy, logger *slog.Logger) *MemoryLedger {
	return &MemoryLedger{
		policy: policy,
		logger: logger.With(slog.String("component", "strike_ledger")),
		now:    func() time.Time { return time.Now().UTC() },
		users:  make(map[string]*userEntry),
	}
}

// entry возвращает запись пользователя, создавая её при необходимости.
func (l *MemoryLedger) entry(userID string, create bool) *userEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.users[userID]
	if !ok && create {
		e = &userEntry{}
		l.users[userID] = e
	}
	return e
}

// IsEligibleToPost возвращает false, пока блокировка действует.
func (l *MemoryLedger) IsEligibleToPost(ctx context.Context, userID string) (bool, *model.StrikeState, error) {
	state, err := l.State(ctx, userID)
	if err != nil {
		return false, nil, err
	}
	if state.StrikeCount == 0 && state.SuspendedUntil == nil {
		return true, nil, nil
	}
	return !state.SuspendedAtTime(l.now()), state, nil
}

// RecordViolation регистрирует нарушение под мьютексом пользователя.
func (l *MemoryLedger) RecordViolation(_ context.Context, userID, reasonCode string) (*model.StrikeState, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}

	e := l.entry(userID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := l.now()
	if e.state == nil {
		e.state = &model.StrikeState{UserID: userID, UpdatedAt: now}
	}

	// Нарушения вне окна больше не влияют на порог
	cutoff := now.Add(-l.policy.Window)
	kept := e.violations[:0]
	for _, ts := range e.violations {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.violations = append(kept, now)

	since := windowStart(e.state, now, l.policy)
	recent := 0
	for _, ts := range e.violations {
		if ts.After(since) {
			recent++
		}
	}

	suspended := applyViolation(e.state, recent, now, l.policy)
	observe(reasonCode, suspended)

	if suspended {
		l.logger.Warn("Пользователь заблокирован",
			slog.String("user_id", userID),
			slog.Int("strike_count", e.state.StrikeCount),
			slog.Time("suspended_until", *e.state.SuspendedUntil),
		)
	}

	return cloneState(e.state), nil
}

// State возвращает копию состояния пользователя.
func (l *MemoryLedger) State(_ context.Context, userID string) (*model.StrikeState, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}

	e := l.entry(userID, false)
	if e == nil {
		return &model.StrikeState{UserID: userID}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return &model.StrikeState{UserID: userID}, nil
	}
	return cloneState(e.state), nil
}
