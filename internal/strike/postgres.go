package strike

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/goartstore/answer-module/internal/config"
	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
	"github.com/bigkaa/goartstore/answer-module/internal/repository"
)

// PolicyFromConfig формирует политику блокировки из конфигурации.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		Threshold:          cfg.StrikeThreshold,
		Window:             cfg.StrikeWindow,
		SuspensionDuration: cfg.SuspensionDuration,
	}
}

// PostgresLedger — журнал нарушений в PostgreSQL.
// Изменения одного пользователя сериализуются блокировкой строки
// strike_states, поэтому журнал корректен при нескольких репликах сервиса.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	tx     *repository.TxRunner
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresLedger создаёт журнал нарушений поверх пула подключений.
func NewPostgresLedger(pool *pgxpool.Pool, policy Policy, logger *slog.Logger) *PostgresLedger {
	return &PostgresLedger{
		pool:   pool,
		tx:     repository.NewTxRunner(pool),
		policy: policy,
		logger: logger.With(slog.String("component", "strike_ledger")),
		// PostgreSQL хранит timestamptz с точностью до микросекунд
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// IsEligibleToPost читает состояние без блокировки.
func (l *PostgresLedger) IsEligibleToPost(ctx context.Context, userID string) (bool, *model.StrikeState, error) {
	if userID == "" {
		return false, nil, ErrEmptyUserID
	}

	state, err := repository.NewStrikeRepository(l.pool).GetState(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return true, nil, nil
		}
		return false, nil, err
	}
	return !state.SuspendedAtTime(l.now()), state, nil
}

// RecordViolation регистрирует нарушение в одной транзакции:
// блокировка строки состояния, запись события, подсчёт в окне, сохранение.
func (l *PostgresLedger) RecordViolation(ctx context.Context, userID, reasonCode string) (*model.StrikeState, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}

	var (
		result    *model.StrikeState
		suspended bool
	)

	err := l.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		repo := repository.NewStrikeRepository(tx)
		now := l.now()

		state, err := repo.LockState(ctx, userID, now)
		if err != nil {
			return err
		}

		if err := repo.AddViolation(ctx, model.Violation{
			UserID:     userID,
			ReasonCode: reasonCode,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		recent, err := repo.CountViolationsSince(ctx, userID, windowStart(state, now, l.policy))
		if err != nil {
			return err
		}

		suspended = applyViolation(state, recent, now, l.policy)
		if err := repo.SaveState(ctx, state); err != nil {
			return err
		}
		result = state
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("регистрация нарушения: %w", err)
	}

	observe(reasonCode, suspended)
	if suspended {
		l.logger.Warn("Пользователь заблокирован",
			slog.String("user_id", userID),
			slog.Int("strike_count", result.StrikeCount),
			slog.Time("suspended_until", *result.SuspendedUntil),
		)
	}

	return result, nil
}

// State возвращает состояние пользователя (нулевое, если нарушений не было).
func (l *PostgresLedger) State(ctx context.Context, userID string) (*model.StrikeState, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}

	state, err := repository.NewStrikeRepository(l.pool).GetState(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &model.StrikeState{UserID: userID}, nil
		}
		return nil, err
	}
	return state, nil
}
