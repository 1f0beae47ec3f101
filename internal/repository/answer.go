package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
)

// answerColumns — список столбцов таблицы answers для SELECT-запросов.
const answerColumns = `id, question_id, author_id, body, attachments,
	upvotes, verified, idempotency_key, created_at`

// AnswerRepository — интерфейс доступа к ответам.
type AnswerRepository interface {
	// Create сохраняет ответ. Возвращает ErrConflict, если ответ с тем же
	// ключом идемпотентности уже создан этим автором.
	Create(ctx context.Context, a *model.Answer) (*model.Answer, error)
	// GetByID возвращает ответ по UUID или ErrNotFound.
	GetByID(ctx context.Context, id string) (*model.Answer, error)
	// GetByIdempotencyKey возвращает ответ автора по ключу идемпотентности или ErrNotFound.
	GetByIdempotencyKey(ctx context.Context, authorID, key string) (*model.Answer, error)
	// ListByQuestion возвращает ответы на вопрос в порядке создания.
	// Возвращает: список ответов, общее количество, ошибка.
	ListByQuestion(ctx context.Context, questionID string, limit, offset int) ([]*model.Answer, int, error)
	// AttachmentReferenced сообщает, есть ли ответ с вложением storedName.
	AttachmentReferenced(ctx context.Context, storedName string) (bool, error)
}

// answerRepo — реализация AnswerRepository через pgx.
type answerRepo struct {
	db DBTX
}

// NewAnswerRepository создаёт репозиторий ответов.
func NewAnswerRepository(db DBTX) AnswerRepository {
	return &answerRepo{db: db}
}

// Create вставляет ответ. CreatedAt заполняется базой, если не задан.
func (r *answerRepo) Create(ctx context.Context, a *model.Answer) (*model.Answer, error) {
	attachments := a.Attachments
	if attachments == nil {
		attachments = []model.AttachmentRecord{}
	}
	attJSON, err := json.Marshal(attachments)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации вложений: %w", err)
	}

	var idemKey *string
	if a.IdempotencyKey != "" {
		idemKey = &a.IdempotencyKey
	}

	query := fmt.Sprintf(`
		INSERT INTO answers (id, question_id, author_id, body, attachments,
			upvotes, verified, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))
		RETURNING %s`, answerColumns)

	var createdAt any
	if !a.CreatedAt.IsZero() {
		createdAt = a.CreatedAt
	}

	created, err := scanAnswer(r.db.QueryRow(ctx, query,
		a.ID, a.QuestionID, a.AuthorID, a.Body, attJSON,
		a.Upvotes, a.Verified, idemKey, createdAt,
	))
	if err != nil {
		if isIdempotencyConflict(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("ошибка создания ответа: %w", err)
	}
	return created, nil
}

// GetByID возвращает ответ по UUID или ErrNotFound.
func (r *answerRepo) GetByID(ctx context.Context, id string) (*model.Answer, error) {
	query := fmt.Sprintf(`SELECT %s FROM answers WHERE id = $1`, answerColumns)

	a, err := scanAnswer(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения ответа: %w", err)
	}
	return a, nil
}

// GetByIdempotencyKey возвращает ответ автора по ключу идемпотентности.
func (r *answerRepo) GetByIdempotencyKey(ctx context.Context, authorID, key string) (*model.Answer, error) {
	query := fmt.Sprintf(`SELECT %s FROM answers WHERE author_id = $1 AND idempotency_key = $2`, answerColumns)

	a, err := scanAnswer(r.db.QueryRow(ctx, query, authorID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения ответа по ключу идемпотентности: %w", err)
	}
	return a, nil
}

// ListByQuestion возвращает страницу ответов на вопрос и общее количество.
func (r *answerRepo) ListByQuestion(ctx context.Context, questionID string, limit, offset int) ([]*model.Answer, int, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM answers
		WHERE question_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3`, answerColumns)

	rows, err := r.db.Query(ctx, query, questionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка получения списка ответов: %w", err)
	}
	defer rows.Close()

	result := make([]*model.Answer, 0)
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ошибка сканирования ответа: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ошибка итерации результатов: %w", err)
	}

	var total int
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM answers WHERE question_id = $1`, questionID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчёта ответов: %w", err)
	}

	return result, total, nil
}

// AttachmentReferenced ищет вложение в JSONB-массиве attachments
// (индекс idx_answers_attachments).
func (r *answerRepo) AttachmentReferenced(ctx context.Context, storedName string) (bool, error) {
	probe, err := json.Marshal([]map[string]string{{"stored_name": storedName}})
	if err != nil {
		return false, fmt.Errorf("ошибка сериализации условия: %w", err)
	}

	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM answers WHERE attachments @> $1::jsonb)`, probe,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("ошибка поиска вложения: %w", err)
	}
	return exists, nil
}

// scanAnswer сканирует строку answers в model.Answer.
func scanAnswer(row pgx.Row) (*model.Answer, error) {
	a := &model.Answer{}
	var attJSON []byte
	var idemKey *string

	if err := row.Scan(
		&a.ID, &a.QuestionID, &a.AuthorID, &a.Body, &attJSON,
		&a.Upvotes, &a.Verified, &idemKey, &a.CreatedAt,
	); err != nil {
		return nil, err
	}

	a.Attachments = []model.AttachmentRecord{}
	if len(attJSON) > 0 {
		if err := json.Unmarshal(attJSON, &a.Attachments); err != nil {
			return nil, fmt.Errorf("ошибка десериализации вложений: %w", err)
		}
	}
	if idemKey != nil {
		a.IdempotencyKey = *idemKey
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}
