// Пакет errors — конструкторы стандартных ошибок Answer Module.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Ошибки конвейера публикации дополняются полями stage, reason,
// attachments и retryable.
package errors //nolint:revive // TODO: переименовать пакет errors, конфликт со stdlib

import (
	"encoding/json"
	"net/http"
	"time"
)

// Машиночитаемые коды ошибок.
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeSuspended          = "SUSPENDED"
	CodeInvalidAttachment  = "INVALID_ATTACHMENT"
	CodeModerationRejected = "MODERATION_REJECTED"
	CodeStorageFailed      = "STORAGE_FAILED"
	CodeCancelled          = "CANCELLED"
	CodeIdempotencyReused  = "IDEMPOTENCY_KEY_REUSED"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// StatusClientClosedRequest — клиент закрыл соединение до ответа (nginx 499).
const StatusClientClosedRequest = 499

// AttachmentIssue — проблема с конкретным вложением.
type AttachmentIssue struct {
	Index  int    `json:"index"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason"`
}

// Detail — тело ошибки.
type Detail struct {
	Code           string            `json:"code"`
	Message        string            `json:"message"`
	Stage          string            `json:"stage,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Attachments    []AttachmentIssue `json:"attachments,omitempty"`
	Retryable      bool              `json:"retryable,omitempty"`
	SuspendedUntil *time.Time        `json:"suspended_until,omitempty"`
}

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error Detail `json:"error"`
}

// WriteError записывает ответ ошибки в стандартном формате API.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	WriteDetail(w, statusCode, Detail{Code: code, Message: message})
}

// WriteDetail записывает ответ ошибки с расширенными полями.
func WriteDetail(w http.ResponseWriter, statusCode int, d Detail) {
	if d.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: d})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// PayloadTooLarge — 413 тело запроса превышает лимит.
func PayloadTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, message)
}

// ServiceUnavailable — 503 сервис не готов.
func ServiceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
