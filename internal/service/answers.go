// answers.go — чтение опубликованных ответов.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
	"github.com/bigkaa/goartstore/answer-module/internal/repository"
)

// AnswerPage — страница ответов на вопрос.
type AnswerPage struct {
	Items  []*model.Answer
	Total  int
	Limit  int
	Offset int
}

// HasMore возвращает true, если за страницей есть ещё ответы.
func (p *AnswerPage) HasMore() bool {
	return p.Offset+len(p.Items) < p.Total
}

// AnswerQueryService — чтение ответов с read-through кэшем по ID.
type AnswerQueryService struct {
	repo   repository.AnswerRepository
	cache  *AnswerCache
	logger *slog.Logger
}

// NewAnswerQueryService создаёт сервис чтения ответов.
func NewAnswerQueryService(repo repository.AnswerRepository, cache *AnswerCache, logger *slog.Logger) *AnswerQueryService {
	return &AnswerQueryService{
		repo:   repo,
		cache:  cache,
		logger: logger.With(slog.String("component", "answer_query")),
	}
}

// Get возвращает ответ по ID. При отсутствии — ErrNotFound.
func (s *AnswerQueryService) Get(ctx context.Context, id string) (*model.Answer, error) {
	if a, ok := s.cache.Get(id); ok {
		return a, nil
	}

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение ответа: %w", err)
	}

	s.cache.Set(a)
	return a, nil
}

// ListByQuestion возвращает страницу ответов на вопрос.
func (s *AnswerQueryService) ListByQuestion(ctx context.Context, questionID string, limit, offset int) (*AnswerPage, error) {
	items, total, err := s.repo.ListByQuestion(ctx, questionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("получение ответов на вопрос: %w", err)
	}
	for _, a := range items {
		s.cache.Set(a)
	}
	return &AnswerPage{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}
