// answers.go — HTTP handlers публикации и чтения ответов.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/answer-module/internal/api/errors"
	"github.com/bigkaa/goartstore/answer-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/answer-module/internal/attachment"
	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
	"github.com/bigkaa/goartstore/answer-module/internal/service"
)

// Параметры пагинации списка ответов.
const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// idempotencyHeader — заголовок ключа идемпотентности.
const idempotencyHeader = "Idempotency-Key"

// maxIdempotencyKeyLength — максимальная длина ключа идемпотентности.
const maxIdempotencyKeyLength = 255

// Submitter — публикация ответа через конвейер.
type Submitter interface {
	// CheckEligibility проверяет блокировку автора до чтения тела запроса
	CheckEligibility(ctx context.Context, authorID string) error
	Submit(ctx context.Context, req model.SubmissionRequest) (*service.SubmitResult, error)
}

// AnswerReader — чтение опубликованных ответов.
type AnswerReader interface {
	Get(ctx context.Context, id string) (*model.Answer, error)
	ListByQuestion(ctx context.Context, questionID string, limit, offset int) (*service.AnswerPage, error)
}

// AnswersHandler — обработчик endpoints ответов.
type AnswersHandler struct {
	submitter       Submitter
	reader          AnswerReader
	limits          formLimits
	maxRequestBytes int64
	logger          *slog.Logger
}

// NewAnswersHandler создаёт обработчик endpoints ответов.
// Лимиты разбора формы и размер тела запроса выводятся из политики вложений.
func NewAnswersHandler(
	submitter Submitter,
	reader AnswerReader,
	policy attachment.UploadPolicy,
	maxBodyLength int,
	logger *slog.Logger,
) *AnswersHandler {
	return &AnswersHandler{
		submitter: submitter,
		reader:    reader,
		limits: formLimits{
			maxFileSize:   policy.MaxFileSize,
			maxFiles:      policy.MaxFiles,
			maxBodyLength: maxBodyLength,
		},
		maxRequestBytes: RequestLimit(policy, maxBodyLength),
		logger:          logger.With(slog.String("component", "answers_handler")),
	}
}

// answerListResponse — страница ответов на вопрос.
type answerListResponse struct {
	Items   []*model.Answer `json:"items"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
	HasMore bool            `json:"has_more"`
}

// CreateAnswer обрабатывает POST /api/v1/answers.
// Multipart form: questionId, body и ноль или более файлов (имя поля любое).
// 201 — ответ опубликован, 200 — повтор с тем же Idempotency-Key.
func (h *AnswersHandler) CreateAnswer(w http.ResponseWriter, r *http.Request) {
	subject := middleware.SubjectFromContext(r.Context())
	if subject == "" {
		apierrors.Unauthorized(w, "Автор не определён")
		return
	}

	key := r.Header.Get(idempotencyHeader)
	if len(key) > maxIdempotencyKeyLength {
		apierrors.ValidationError(w, fmt.Sprintf("Заголовок %s длиннее %d символов", idempotencyHeader, maxIdempotencyKeyLength))
		return
	}

	// Заблокированный автор получает отказ до передачи файлов
	if err := h.submitter.CheckEligibility(r.Context(), subject); err != nil {
		h.writeSubmitError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBytes)
	form, err := parseSubmissionForm(r, h.limits)
	if err != nil {
		h.writeFormError(w, r, err)
		return
	}

	result, err := h.submitter.Submit(r.Context(), model.SubmissionRequest{
		AuthorID:       subject,
		QuestionID:     form.QuestionID,
		Body:           form.Body,
		Files:          form.Files,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/api/v1/answers/"+result.Answer.ID)
	writeJSON(w, status, result.Answer)
}

// writeSubmitError пишет отказ конвейера в формате API.
func (h *AnswersHandler) writeSubmitError(w http.ResponseWriter, err error) {
	var serr *service.SubmissionError
	if errors.As(err, &serr) {
		apierrors.WriteDetail(w, serr.StatusCode, serr.Detail())
		return
	}
	h.logger.Error("Непредвиденная ошибка публикации", slog.String("error", err.Error()))
	apierrors.InternalError(w, "Внутренняя ошибка сервера")
}

// writeFormError сопоставляет ошибку разбора формы с ответом API.
func (h *AnswersHandler) writeFormError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		apierrors.PayloadTooLarge(w, fmt.Sprintf("Размер запроса превышает %d байт", maxBytesErr.Limit))
	case r.Context().Err() != nil:
		apierrors.WriteError(w, apierrors.StatusClientClosedRequest, apierrors.CodeCancelled, "Запрос отменён клиентом")
	default:
		h.logger.Debug("Некорректная multipart-форма", slog.String("error", err.Error()))
		apierrors.ValidationError(w, "Некорректная multipart-форма: "+err.Error())
	}
}

// GetAnswer обрабатывает GET /api/v1/answers/{id}.
func (h *AnswersHandler) GetAnswer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	a, err := h.reader.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			apierrors.NotFound(w, fmt.Sprintf("Ответ %s не найден", id))
			return
		}
		h.logger.Error("Ошибка получения ответа",
			slog.String("answer_id", id),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// ListQuestionAnswers обрабатывает GET /api/v1/questions/{questionId}/answers.
// Пагинация: limit (1..1000, по умолчанию 50), offset (>= 0).
func (h *AnswersHandler) ListQuestionAnswers(w http.ResponseWriter, r *http.Request) {
	questionID := chi.URLParam(r, "questionId")

	limit, offset, msg := parsePagination(r)
	if msg != "" {
		apierrors.ValidationError(w, msg)
		return
	}

	page, err := h.reader.ListByQuestion(r.Context(), questionID, limit, offset)
	if err != nil {
		h.logger.Error("Ошибка получения ответов на вопрос",
			slog.String("question_id", questionID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
		return
	}

	items := page.Items
	if items == nil {
		items = []*model.Answer{}
	}
	writeJSON(w, http.StatusOK, answerListResponse{
		Items:   items,
		Total:   page.Total,
		Limit:   page.Limit,
		Offset:  page.Offset,
		HasMore: page.HasMore(),
	})
}

// parsePagination разбирает limit и offset. Возвращает сообщение об ошибке
// валидации или пустую строку.
func parsePagination(r *http.Request) (limit, offset int, msg string) {
	limit, offset = defaultListLimit, 0
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			return 0, 0, fmt.Sprintf("Параметр limit должен быть от 1 до %d", maxListLimit)
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, "Параметр offset не может быть отрицательным"
		}
		offset = n
	}
	return limit, offset, ""
}
