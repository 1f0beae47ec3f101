// Пакет repository — слой доступа к данным PostgreSQL: ответы и журнал нарушений.
// Запросы пишутся вручную на SQL и выполняются через pgx.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — ответ или состояние нарушений отсутствует.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — ответ с таким ключом идемпотентности уже сохранён автором.
	ErrConflict = errors.New("ответ с этим ключом идемпотентности уже существует")
)

// idempotencyIndex — уникальный индекс (author_id, idempotency_key) таблицы answers.
const idempotencyIndex = "uq_answers_author_idempotency"

// DBTX — общий набор методов *pgxpool.Pool и pgx.Tx.
// Журнал нарушений передаёт сюда pgx.Tx, чтение ответов идёт через пул.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner выполняет изменения журнала нарушений в одной транзакции,
// удерживая блокировку строки пользователя до коммита.
type TxRunner struct {
	pool *pgxpool.Pool
	opts pgx.TxOptions
}

// NewTxRunner создаёт TxRunner с уровнем изоляции READ COMMITTED.
// Сериализацию по пользователю обеспечивает SELECT ... FOR UPDATE.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{
		pool: pool,
		opts: pgx.TxOptions{IsoLevel: pgx.ReadCommitted},
	}
}

// RunInTx выполняет fn внутри транзакции. Ошибка fn откатывает транзакцию.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, r.opts)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // после Commit откат ничего не делает

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка коммита транзакции: %w", err)
	}
	return nil
}

// isIdempotencyConflict сообщает, нарушен ли уникальный индекс ключа идемпотентности.
// Пустое имя ограничения в ошибке тоже считается конфликтом:
// других уникальных ограничений, кроме первичного ключа UUID, в answers нет.
func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	return pgErr.ConstraintName == "" || pgErr.ConstraintName == idempotencyIndex
}
