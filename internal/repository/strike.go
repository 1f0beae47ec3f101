package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
)

// StrikeRepository — доступ к состоянию нарушений пользователей.
// LockState и последующие вызовы должны выполняться в одной транзакции
// (через TxRunner), чтобы блокировка строки удерживалась до коммита.
type StrikeRepository interface {
	// GetState возвращает состояние пользователя или ErrNotFound.
	GetState(ctx context.Context, userID string) (*model.StrikeState, error)
	// LockState создаёт состояние при отсутствии и блокирует строку (SELECT ... FOR UPDATE).
	LockState(ctx context.Context, userID string, now time.Time) (*model.StrikeState, error)
	// AddViolation добавляет событие нарушения.
	AddViolation(ctx context.Context, v model.Violation) error
	// CountViolationsSince возвращает количество нарушений пользователя строго после since.
	CountViolationsSince(ctx context.Context, userID string, since time.Time) (int, error)
	// SaveState сохраняет состояние пользователя.
	SaveState(ctx context.Context, s *model.StrikeState) error
}

// strikeRepo — реализация StrikeRepository через pgx.
type strikeRepo struct {
	db DBTX
}

// NewStrikeRepository создаёт репозиторий нарушений.
func NewStrikeRepository(db DBTX) StrikeRepository {
	return &strikeRepo{db: db}
}

const strikeColumns = `user_id, strike_count, suspended_until, suspended_at, updated_at`

// GetState возвращает состояние пользователя без блокировки.
func (r *strikeRepo) GetState(ctx context.Context, userID string) (*model.StrikeState, error) {
	s, err := scanStrikeState(r.db.QueryRow(ctx,
		`SELECT `+strikeColumns+` FROM strike_states WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения состояния нарушений: %w", err)
	}
	return s, nil
}

// LockState создаёт строку состояния (ON CONFLICT DO NOTHING) и блокирует её.
// Конкурентные транзакции того же пользователя ждут на блокировке строки,
// транзакции других пользователей не блокируются.
func (r *strikeRepo) LockState(ctx context.Context, userID string, now time.Time) (*model.StrikeState, error) {
	if _, err := r.db.Exec(ctx, `
		INSERT INTO strike_states (user_id, strike_count, updated_at)
		VALUES ($1, 0, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, now); err != nil {
		return nil, fmt.Errorf("ошибка создания состояния нарушений: %w", err)
	}

	s, err := scanStrikeState(r.db.QueryRow(ctx,
		`SELECT `+strikeColumns+` FROM strike_states WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки состояния нарушений: %w", err)
	}
	return s, nil
}

// AddViolation добавляет событие нарушения.
func (r *strikeRepo) AddViolation(ctx context.Context, v model.Violation) error {
	if _, err := r.db.Exec(ctx, `
		INSERT INTO strike_violations (user_id, reason_code, created_at)
		VALUES ($1, $2, $3)`, v.UserID, v.ReasonCode, v.CreatedAt); err != nil {
		return fmt.Errorf("ошибка записи нарушения: %w", err)
	}
	return nil
}

// CountViolationsSince возвращает количество нарушений строго после since.
func (r *strikeRepo) CountViolationsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM strike_violations
		WHERE user_id = $1 AND created_at > $2`, userID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта нарушений: %w", err)
	}
	return n, nil
}

// SaveState сохраняет счётчик и блокировку пользователя.
func (r *strikeRepo) SaveState(ctx context.Context, s *model.StrikeState) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE strike_states
		SET strike_count = $2, suspended_until = $3, suspended_at = $4, updated_at = $5
		WHERE user_id = $1`,
		s.UserID, s.StrikeCount, s.SuspendedUntil, s.SuspendedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка сохранения состояния нарушений: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanStrikeState сканирует строку strike_states.
func scanStrikeState(row pgx.Row) (*model.StrikeState, error) {
	s := &model.StrikeState{}
	if err := row.Scan(&s.UserID, &s.StrikeCount, &s.SuspendedUntil, &s.SuspendedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.UpdatedAt = s.UpdatedAt.UTC()
	if s.SuspendedUntil != nil {
		t := s.SuspendedUntil.UTC()
		s.SuspendedUntil = &t
	}
	if s.SuspendedAt != nil {
		t := s.SuspendedAt.UTC()
		s.SuspendedAt = &t
	}
	return s, nil
}
