package strike

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
)

// fakeClock — управляемые часы для тестов.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLedger(policy Policy) (*MemoryLedger, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewMemoryLedger(policy, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.now = clock.Now
	return l, clock
}

func TestMemoryLedger_EligibleWithoutHistory(t *testing.T) {
	l, _ := newTestLedger(DefaultPolicy())

	ok, state, err := l.IsEligibleToPost(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if !ok {
		t.Error("пользователь без нарушений должен иметь право публикации")
	}
	if state != nil {
		t.Errorf("состояние должно быть nil, получено %+v", state)
	}
}

func TestMemoryLedger_ThirdStrikeSuspends(t *testing.T) {
	l, clock := newTestLedger(DefaultPolicy())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		state, err := l.RecordViolation(ctx, "user-1", model.ReasonSpamPattern)
		if err != nil {
			t.Fatalf("неожиданная ошибка: %v", err)
		}
		if state.SuspendedUntil != nil {
			t.Fatalf("блокировка после %d нарушений не ожидалась", i+1)
		}
		clock.Advance(time.Hour)
	}

	state, err := l.RecordViolation(ctx, "user-1", model.ReasonProfaneContent)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if state.StrikeCount != 3 {
		t.Errorf("StrikeCount: ожидалось 3, получено %d", state.StrikeCount)
	}
	if state.SuspendedUntil == nil {
		t.Fatal("ожидалась блокировка после третьего нарушения")
	}
	want := clock.Now().Add(24 * time.Hour)
	if !state.SuspendedUntil.Equal(want) {
		t.Errorf("SuspendedUntil: ожидалось %v, получено %v", want, *state.SuspendedUntil)
	}

	ok, _, err := l.IsEligibleToPost(ctx, "user-1")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if ok {
		t.Error("заблокированный пользователь не должен иметь право публикации")
	}
}

func TestMemoryLedger_SuspensionNotExtended(t *testing.T) {
	l, clock := newTestLedger(DefaultPolicy())
	ctx := context.Background()

	var state *model.StrikeState
	for i := 0; i < 3; i++ {
		state, _ = l.RecordViolation(ctx, "user-1", model.ReasonSpamPattern)
	}
	until := *state.SuspendedUntil

	clock.Advance(time.Hour)
	state, err := l.RecordViolation(ctx, "user-1", model.ReasonSpamPattern)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if state.StrikeCount != 4 {
		t.Errorf("StrikeCount: ожидалось 4, получено %d", state.StrikeCount)
	}
	if !state.SuspendedUntil.Equal(until) {
		t.Errorf("действующая блокировка продлена: было %v, стало %v", until, *state.SuspendedUntil)
	}
}

func TestMemoryLedger_RecoversAfterExpiry(t *testing.T) {
	l, clock := newTestLedger(DefaultPolicy())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.RecordViolation(ctx, "user-1", model.ReasonSpamPattern); err != nil {
			t.Fatalf("неожиданная ошибка: %v", err)
		}
	}

	clock.Advance(24*time.Hour + time.Second)

	ok, state, err := l.IsEligibleToPost(ctx, "user-1")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if !ok {
		t.Error("после окончания блокировки публикация должна быть разрешена")
	}
	if state == nil || state.StrikeCount != 3 {
		t.Errorf("история нарушений должна сохраниться, получено %+v", state)
	}

	// Нарушения до блокировки не учитываются повторно
	state, err = l.RecordViolation(ctx, "user-1", model.ReasonSpamPattern)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if state.SuspendedAtTime(clock.Now()) {
		t.Error("одно нарушение после окончания блокировки не должно блокировать")
	}
}

func TestMemoryLedger_WindowDecay(t *testing.T) {
	policy := DefaultPolicy()
	l, clock := newTestLedger(policy)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.RecordViolation(ctx, "user-1", model.ReasonSpamPattern); err != nil {
			t.Fatalf("неожиданная ошибка: %v", err)
		}
	}

	clock.Advance(policy.Window + time.Minute)

	state, err := l.RecordViolation(ctx, "user-1", model.ReasonSpamPattern)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if state.SuspendedUntil != nil {
		t.Error("нарушения вне окна не должны учитываться")
	}
	if state.StrikeCount != 3 {
		t.Errorf("StrikeCount: ожидалось 3, получено %d", state.StrikeCount)
	}
}

func TestMemoryLedger_ConcurrentViolations(t *testing.T) {
	l, _ := newTestLedger(DefaultPolicy())
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := l.RecordViolation(ctx, "user-1", model.ReasonSpamPattern); err != nil {
				t.Errorf("неожиданная ошибка: %v", err)
			}
		}()
	}
	wg.Wait()

	state, err := l.State(ctx, "user-1")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if state.StrikeCount != n {
		t.Errorf("StrikeCount: ожидалось %d, получено %d", n, state.StrikeCount)
	}
	if state.SuspendedUntil == nil {
		t.Error("ожидалась блокировка")
	}
}

func TestMemoryLedger_UsersIndependent(t *testing.T) {
	l, _ := newTestLedger(DefaultPolicy())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.RecordViolation(ctx, "user-1", model.ReasonSpamPattern); err != nil {
			t.Fatalf("неожиданная ошибка: %v", err)
		}
	}

	ok, _, err := l.IsEligibleToPost(ctx, "user-2")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if !ok {
		t.Error("блокировка одного пользователя не должна влиять на другого")
	}
}

func TestMemoryLedger_EmptyUserID(t *testing.T) {
	l, _ := newTestLedger(DefaultPolicy())

	if _, err := l.RecordViolation(context.Background(), "", model.ReasonSpamPattern); err != ErrEmptyUserID {
		t.Errorf("ожидалась ErrEmptyUserID, получено %v", err)
	}
}

func TestApplyViolation_ThresholdOne(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	state := &model.StrikeState{UserID: "u"}

	if !applyViolation(state, 1, now, Policy{Threshold: 1, Window: time.Hour, SuspensionDuration: time.Minute}) {
		t.Fatal("при пороге 1 первое нарушение должно блокировать")
	}
	if !state.SuspendedAt.Equal(now) {
		t.Errorf("SuspendedAt: ожидалось %v, получено %v", now, state.SuspendedAt)
	}
}

func TestWindowStart(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	p := Policy{Threshold: 3, Window: 48 * time.Hour, SuspensionDuration: time.Hour}

	state := &model.StrikeState{}
	if got := windowStart(state, now, p); !got.Equal(now.Add(-48 * time.Hour)) {
		t.Errorf("без блокировки окно должно начинаться в now-window, получено %v", got)
	}

	at := now.Add(-time.Hour)
	state.SuspendedAt = &at
	if got := windowStart(state, now, p); !got.Equal(at) {
		t.Errorf("окно должно начинаться с последней блокировки, получено %v", got)
	}

	old := now.Add(-72 * time.Hour)
	state.SuspendedAt = &old
	if got := windowStart(state, now, p); !got.Equal(now.Add(-48 * time.Hour)) {
		t.Errorf("старая блокировка не должна сдвигать окно, получено %v", got)
	}
}
