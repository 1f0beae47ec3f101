// submission.go — конвейер публикации ответа.
//
// Порядок стадий: проверка блокировки → проверка вложений → модерация →
// запись вложений → сохранение ответа. Отказ на любой стадии прекращает
// обработку и откатывает всё, что успело быть записано. Единственное
// допустимое изменение при неуспехе — нарушение при отказе модерации.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/answer-module/internal/attachment"
	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
	"github.com/bigkaa/goartstore/answer-module/internal/domain/pipeline"
	"github.com/bigkaa/goartstore/answer-module/internal/moderation"
	"github.com/bigkaa/goartstore/answer-module/internal/repository"
	"github.com/bigkaa/goartstore/answer-module/internal/strike"
)

// Prometheus-метрики конвейера.
var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "an_submissions_total",
		Help: "Количество заявок на публикацию по итоговой стадии.",
	}, []string{"outcome"})
	submissionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "an_submission_duration_seconds",
		Help:    "Длительность обработки заявки.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"outcome"})
)

// AttachmentStore — запись пакета вложений.
type AttachmentStore interface {
	Commit(ctx context.Context, files []model.ValidatedFile) (*attachment.Batch, error)
	Discard(ctx context.Context, b *attachment.Batch) error
	Seal(b *attachment.Batch) error
}

// ModerationGate — модерация с регистрацией нарушения при отказе.
type ModerationGate interface {
	Judge(ctx context.Context, userID, body string, files []model.ValidatedFile) (model.ModerationVerdict, *model.StrikeState, error)
}

// SubmitResult — результат успешной публикации.
type SubmitResult struct {
	Answer *model.Answer
	// Replayed — ответ уже был создан ранее с тем же ключом идемпотентности
	Replayed bool
}

// SubmissionService — оркестратор конвейера публикации.
type SubmissionService struct {
	ledger        strike.Ledger
	gate          ModerationGate
	store         AttachmentStore
	answers       repository.AnswerRepository
	policy        attachment.UploadPolicy
	maxBodyLength int
	idem          *IdempotencyCache
	logger        *slog.Logger
	newID         func() string
}

// NewSubmissionService создаёт сервис публикации ответов.
// idem может быть nil — тогда повторы распознаются только по базе.
func NewSubmissionService(
	ledger strike.Ledger,
	gate ModerationGate,
	store AttachmentStore,
	answers repository.AnswerRepository,
	policy attachment.UploadPolicy,
	maxBodyLength int,
	idem *IdempotencyCache,
	logger *slog.Logger,
) *SubmissionService {
	return &SubmissionService{
		ledger:        ledger,
		gate:          gate,
		store:         store,
		answers:       answers,
		policy:        policy,
		maxBodyLength: maxBodyLength,
		idem:          idem,
		logger:        logger.With(slog.String("component", "submission_service")),
		newID:         uuid.NewString,
	}
}

// Submit обрабатывает заявку. При отказе возвращает *SubmissionError.
func (s *SubmissionService) Submit(ctx context.Context, req model.SubmissionRequest) (*SubmitResult, error) {
	run := pipeline.New()
	start := time.Now()

	if req.IdempotencyKey != "" {
		if existing := s.lookupReplay(ctx, req.AuthorID, req.IdempotencyKey); existing != nil {
			if !sameSubmission(existing, req) {
				serr := idempotencyReusedError(existing.ID)
				submissionsTotal.WithLabelValues(string(serr.Outcome)).Inc()
				s.logOutcome(req, serr)
				return nil, serr
			}
			submissionsTotal.WithLabelValues("replayed").Inc()
			return &SubmitResult{Answer: existing, Replayed: true}, nil
		}
	}

	result, serr := s.run(ctx, run, req)
	outcome := string(run.Current())
	if serr != nil {
		outcome = string(serr.Outcome)
	}
	submissionDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	if serr != nil {
		submissionsTotal.WithLabelValues(outcome).Inc()
		s.logOutcome(req, serr)
		return nil, serr
	}

	if result.Replayed {
		submissionsTotal.WithLabelValues("replayed").Inc()
	} else {
		submissionsTotal.WithLabelValues(outcome).Inc()
	}
	s.logger.Info("Ответ опубликован",
		slog.String("answer_id", result.Answer.ID),
		slog.String("question_id", result.Answer.QuestionID),
		slog.String("author_id", result.Answer.AuthorID),
		slog.Int("attachments", len(result.Answer.Attachments)),
		slog.Bool("replayed", result.Replayed),
		slog.Duration("elapsed", run.Elapsed()),
	)
	return result, nil
}

// CheckEligibility проверяет блокировку автора до приёма содержимого заявки.
// Возвращает *SubmissionError (suspended, storage_failed или cancelled)
// либо nil. Submit повторяет проверку на своей стадии.
func (s *SubmissionService) CheckEligibility(ctx context.Context, authorID string) error {
	run := pipeline.New()
	serr := s.checkEligibility(ctx, run, authorID)
	if serr == nil {
		return nil
	}
	submissionsTotal.WithLabelValues(string(run.Current())).Inc()
	s.logOutcome(model.SubmissionRequest{AuthorID: authorID}, serr)
	return serr
}

// checkEligibility проводит стадию проверки блокировки.
func (s *SubmissionService) checkEligibility(ctx context.Context, run *pipeline.Run, authorID string) *SubmissionError {
	if serr := s.advance(ctx, run, pipeline.StageCheckingEligibility); serr != nil {
		return serr
	}
	eligible, state, err := s.ledger.IsEligibleToPost(ctx, authorID)
	if err != nil {
		if ctx.Err() != nil {
			return s.fail(run, cancelledError(ctx.Err()))
		}
		return s.fail(run, storageFailedError("", "Журнал нарушений недоступен", err))
	}
	if !eligible {
		var until *time.Time
		if state != nil {
			until = state.SuspendedUntil
		}
		return s.fail(run, suspendedError(until))
	}
	return nil
}

// run проводит заявку по стадиям.
func (s *SubmissionService) run(ctx context.Context, run *pipeline.Run, req model.SubmissionRequest) (*SubmitResult, *SubmissionError) {
	// --- Проверка блокировки ---
	if serr := s.checkEligibility(ctx, run, req.AuthorID); serr != nil {
		return nil, serr
	}

	// --- Проверка текста и вложений ---
	if serr := s.advance(ctx, run, pipeline.StageValidatingAttachments); serr != nil {
		return nil, serr
	}
	if msg := s.checkRequest(req); msg != "" {
		return nil, s.fail(run, validationError(msg))
	}
	files, rejections := attachment.ValidateAll(req.Files, s.policy)
	if len(rejections) > 0 {
		return nil, s.fail(run, invalidAttachmentError(rejections))
	}

	// --- Модерация ---
	if serr := s.advance(ctx, run, pipeline.StageModerating); serr != nil {
		return nil, serr
	}
	verdict, _, err := s.gate.Judge(ctx, req.AuthorID, req.Body, files)
	switch {
	case errors.Is(err, moderation.ErrStrikeNotRecorded):
		return nil, s.fail(run, storageFailedError(ReasonStrikeNotRecorded, "Не удалось зарегистрировать нарушение", err))
	case errors.Is(err, moderation.ErrModerationTimeout):
		return nil, s.fail(run, storageFailedError(ReasonModerationTimeout, "Превышено время модерации", err))
	case err != nil && ctx.Err() != nil:
		return nil, s.fail(run, cancelledError(err))
	case err != nil:
		return nil, s.fail(run, storageFailedError(ReasonModerationUnavailable, "Модерация недоступна", err))
	}
	if verdict.Outcome == model.Rejected {
		return nil, s.fail(run, rejectedError(verdict.ReasonCode, verdict.ViolatingAttachmentIndices))
	}

	// --- Запись вложений ---
	if serr := s.advance(ctx, run, pipeline.StageCommitting); serr != nil {
		return nil, serr
	}
	batch, err := s.store.Commit(ctx, files)
	if err != nil {
		// Store откатывает пакет сам
		if ctx.Err() != nil {
			return nil, s.fail(run, cancelledError(err))
		}
		return nil, s.fail(run, storageFailedError(ReasonAttachmentWrite, "Не удалось сохранить вложения", err))
	}

	// --- Сохранение ответа ---
	if serr := s.advance(ctx, run, pipeline.StagePersisting); serr != nil {
		s.discard(ctx, batch)
		return nil, serr
	}
	answer := &model.Answer{
		ID:             s.newID(),
		QuestionID:     req.QuestionID,
		AuthorID:       req.AuthorID,
		Body:           req.Body,
		Attachments:    batch.Records,
		IdempotencyKey: req.IdempotencyKey,
	}
	created, err := s.answers.Create(ctx, answer)
	if err != nil {
		s.discard(ctx, batch)

		if errors.Is(err, repository.ErrConflict) && req.IdempotencyKey != "" {
			// Параллельная заявка с тем же ключом успела сохранить ответ
			existing, lookupErr := s.answers.GetByIdempotencyKey(context.WithoutCancel(ctx), req.AuthorID, req.IdempotencyKey)
			if lookupErr == nil {
				s.rememberKey(existing)
				if !sameSubmission(existing, req) {
					// Отказ вне цепочки стадий: конвейер остаётся на persisting
					serr := idempotencyReusedError(existing.ID)
					serr.Stage = run.Current()
					return nil, serr
				}
				_ = run.Advance(pipeline.StageCommitted)
				return &SubmitResult{Answer: existing, Replayed: true}, nil
			}
			err = fmt.Errorf("%w; поиск существующего ответа: %w", err, lookupErr)
		}
		if ctx.Err() != nil {
			return nil, s.fail(run, cancelledError(err))
		}
		return nil, s.fail(run, storageFailedError(ReasonPersistence, "Не удалось сохранить ответ", err))
	}

	if err := s.store.Seal(batch); err != nil {
		s.logger.Error("Не удалось зафиксировать запись журнала вложений",
			slog.String("answer_id", created.ID),
			slog.String("tx_id", batch.TxID),
			slog.String("error", err.Error()),
		)
	}
	s.rememberKey(created)

	if err := run.Advance(pipeline.StageCommitted); err != nil {
		s.logger.Error("Недопустимый переход конвейера", slog.String("error", err.Error()))
	}
	return &SubmitResult{Answer: created}, nil
}

// advance переходит в следующую рабочую стадию.
// Если клиент уже отключился, обработка завершается стадией cancelled.
func (s *SubmissionService) advance(ctx context.Context, run *pipeline.Run, target pipeline.Stage) *SubmissionError {
	if err := ctx.Err(); err != nil {
		return s.fail(run, cancelledError(err))
	}
	if err := run.Advance(target); err != nil {
		return s.fail(run, storageFailedError("", "Внутренняя ошибка конвейера", err))
	}
	return nil
}

// fail переводит конвейер в терминальную стадию отказа.
func (s *SubmissionService) fail(run *pipeline.Run, serr *SubmissionError) *SubmissionError {
	serr.Stage = run.Current()
	if err := run.Advance(serr.Outcome); err != nil {
		s.logger.Error("Недопустимый переход конвейера",
			slog.String("from", string(run.Current())),
			slog.String("to", string(serr.Outcome)),
		)
	}
	return serr
}

// discard откатывает пакет вложений независимо от отмены запроса.
func (s *SubmissionService) discard(ctx context.Context, batch *attachment.Batch) {
	if err := s.store.Discard(context.WithoutCancel(ctx), batch); err != nil {
		s.logger.Error("Не удалось откатить пакет вложений",
			slog.String("tx_id", batch.TxID),
			slog.String("error", err.Error()),
		)
	}
}

// checkRequest проверяет обязательные поля заявки.
// Возвращает описание ошибки или пустую строку.
func (s *SubmissionService) checkRequest(req model.SubmissionRequest) string {
	switch {
	case req.AuthorID == "":
		return "Не указан автор ответа"
	case strings.TrimSpace(req.QuestionID) == "":
		return "Не указан вопрос"
	case strings.TrimSpace(req.Body) == "":
		return "Текст ответа не может быть пустым"
	case !utf8.ValidString(req.Body):
		return "Текст ответа содержит некорректную UTF-8 последовательность"
	case s.maxBodyLength > 0 && utf8.RuneCountInString(req.Body) > s.maxBodyLength:
		return fmt.Sprintf("Текст ответа длиннее %d символов", s.maxBodyLength)
	}
	return ""
}

// lookupReplay ищет ответ, уже созданный автором с этим ключом.
func (s *SubmissionService) lookupReplay(ctx context.Context, authorID, key string) *model.Answer {
	if s.idem != nil {
		if id, ok := s.idem.Get(authorID, key); ok {
			if a, err := s.answers.GetByID(ctx, id); err == nil {
				return a
			}
		}
	}

	a, err := s.answers.GetByIdempotencyKey(ctx, authorID, key)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("Ошибка поиска по ключу идемпотентности",
				slog.String("author_id", authorID),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}
	s.rememberKey(a)
	return a
}

// sameSubmission сравнивает сохранённый ответ с повторной заявкой:
// вопрос, текст и исходные имена вложений в порядке поступления.
func sameSubmission(a *model.Answer, req model.SubmissionRequest) bool {
	if a.QuestionID != req.QuestionID || a.Body != req.Body || len(a.Attachments) != len(req.Files) {
		return false
	}
	for i, att := range a.Attachments {
		if att.OriginalName != req.Files[i].OriginalName {
			return false
		}
	}
	return true
}

func (s *SubmissionService) rememberKey(a *model.Answer) {
	if s.idem != nil && a.IdempotencyKey != "" {
		s.idem.Set(a.AuthorID, a.IdempotencyKey, a.ID)
	}
}

// logOutcome пишет отказ в лог с уровнем по классу ошибки.
func (s *SubmissionService) logOutcome(req model.SubmissionRequest, serr *SubmissionError) {
	attrs := []any{
		slog.String("author_id", req.AuthorID),
		slog.String("question_id", req.QuestionID),
		slog.String("outcome", string(serr.Outcome)),
		slog.String("stage", string(serr.Stage)),
		slog.String("code", serr.Code),
	}
	if serr.Reason != "" {
		attrs = append(attrs, slog.String("reason", serr.Reason))
	}
	if serr.Err != nil {
		attrs = append(attrs, slog.String("error", serr.Err.Error()))
	}

	switch serr.Outcome {
	case pipeline.StageStorageFailed:
		s.logger.Error("Ошибка публикации ответа", attrs...)
	case pipeline.StageCancelled:
		s.logger.Info("Публикация ответа отменена", attrs...)
	default:
		s.logger.Warn("Заявка на публикацию отклонена", attrs...)
	}
}
