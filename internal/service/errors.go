// errors.go — ошибки сервисного слоя.
package service

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bigkaa/goartstore/answer-module/internal/attachment"
	apierrors "github.com/bigkaa/goartstore/answer-module/internal/api/errors"
	"github.com/bigkaa/goartstore/answer-module/internal/domain/pipeline"
)

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
)

// Уточнения причин для ошибок класса STORAGE_FAILED.
const (
	ReasonModerationTimeout     = "MODERATION_TIMEOUT"
	ReasonModerationUnavailable = "MODERATION_UNAVAILABLE"
	ReasonStrikeNotRecorded     = "STRIKE_NOT_RECORDED"
	ReasonAttachmentWrite       = "ATTACHMENT_WRITE_FAILED"
	ReasonPersistence           = "PERSISTENCE_FAILED"
)

// SubmissionError — отказ в публикации ответа.
// Outcome — терминальная стадия, Stage — стадия, на которой обработка остановилась.
type SubmissionError struct {
	Outcome    pipeline.Stage
	Stage      pipeline.Stage
	StatusCode int
	Code       string
	Message    string
	// Reason — код причины (модерации или сбоя хранения)
	Reason string
	// Attachments — отказы по отдельным файлам (INVALID_ATTACHMENT)
	Attachments []attachment.FileRejection
	// ViolatingIndices — индексы вложений, вызвавших отказ модерации
	ViolatingIndices []int
	Retryable        bool
	SuspendedUntil   *time.Time
	// Err — исходная ошибка (не раскрывается клиенту)
	Err error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Detail формирует тело ответа API.
func (e *SubmissionError) Detail() apierrors.Detail {
	d := apierrors.Detail{
		Code:           e.Code,
		Message:        e.Message,
		Stage:          string(e.Stage),
		Reason:         e.Reason,
		Retryable:      e.Retryable,
		SuspendedUntil: e.SuspendedUntil,
	}
	for _, r := range e.Attachments {
		d.Attachments = append(d.Attachments, apierrors.AttachmentIssue{Index: r.Index, Name: r.Name, Reason: r.Reason})
	}
	for _, idx := range e.ViolatingIndices {
		d.Attachments = append(d.Attachments, apierrors.AttachmentIssue{Index: idx, Reason: e.Reason})
	}
	return d
}

func suspendedError(until *time.Time) *SubmissionError {
	return &SubmissionError{
		Outcome:        pipeline.StageSuspended,
		StatusCode:     http.StatusForbidden,
		Code:           apierrors.CodeSuspended,
		Message:        "Публикация ответов временно заблокирована",
		SuspendedUntil: until,
	}
}

func validationError(message string) *SubmissionError {
	return &SubmissionError{
		Outcome:    pipeline.StageInvalid,
		StatusCode: http.StatusBadRequest,
		Code:       apierrors.CodeValidationError,
		Message:    message,
		Err:        ErrValidation,
	}
}

func invalidAttachmentError(rejections []attachment.FileRejection) *SubmissionError {
	return &SubmissionError{
		Outcome:     pipeline.StageInvalid,
		StatusCode:  http.StatusBadRequest,
		Code:        apierrors.CodeInvalidAttachment,
		Message:     fmt.Sprintf("Вложения не прошли проверку: %d", len(rejections)),
		Attachments: rejections,
	}
}

func rejectedError(reason string, indices []int) *SubmissionError {
	return &SubmissionError{
		Outcome:          pipeline.StageRejected,
		StatusCode:       http.StatusUnprocessableEntity,
		Code:             apierrors.CodeModerationRejected,
		Message:          "Ответ отклонён модерацией",
		Reason:           reason,
		ViolatingIndices: indices,
	}
}

func storageFailedError(reason, message string, err error) *SubmissionError {
	return &SubmissionError{
		Outcome:    pipeline.StageStorageFailed,
		StatusCode: http.StatusInternalServerError,
		Code:       apierrors.CodeStorageFailed,
		Message:    message,
		Reason:     reason,
		Retryable:  true,
		Err:        err,
	}
}

// idempotencyReusedError — ключ уже использован автором для другой заявки.
func idempotencyReusedError(existingID string) *SubmissionError {
	return &SubmissionError{
		Outcome:    pipeline.StageInvalid,
		Stage:      pipeline.StageReceived,
		StatusCode: http.StatusConflict,
		Code:       apierrors.CodeIdempotencyReused,
		Message:    "Ключ идемпотентности уже использован для другого ответа",
		Err:        fmt.Errorf("%w: ключ занят ответом %s", ErrValidation, existingID),
	}
}

func cancelledError(err error) *SubmissionError {
	return &SubmissionError{
		Outcome:    pipeline.StageCancelled,
		StatusCode: apierrors.StatusClientClosedRequest,
		Code:       apierrors.CodeCancelled,
		Message:    "Запрос отменён клиентом",
		Err:        err,
	}
}
