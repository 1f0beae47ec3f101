package errors //nolint:revive // TODO: переименовать пакет errors, конфликт со stdlib

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	NotFound(rec, "Ответ не найден")

	if rec.Code != http.StatusNotFound {
		t.Errorf("статус: ожидался 404, получен %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: %q", ct)
	}

	var body map[string]map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("разбор тела: %v", err)
	}
	if body["error"]["code"] != CodeNotFound {
		t.Errorf("code: %v", body["error"]["code"])
	}
	if _, ok := body["error"]["retryable"]; ok {
		t.Error("retryable не должен выводиться для обычной ошибки")
	}
}

func TestWriteDetail_Retryable(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDetail(rec, http.StatusInternalServerError, Detail{
		Code:      CodeStorageFailed,
		Message:   "Не удалось сохранить вложения",
		Stage:     "committing",
		Retryable: true,
		Attachments: []AttachmentIssue{
			{Index: 1, Name: "a.png", Reason: "TOO_LARGE"},
		},
	})

	if rec.Header().Get("Retry-After") == "" {
		t.Error("для повторяемой ошибки ожидался Retry-After")
	}

	var body struct {
		Error Detail `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("разбор тела: %v", err)
	}
	if !body.Error.Retryable || body.Error.Stage != "committing" || len(body.Error.Attachments) != 1 {
		t.Errorf("неожиданное тело: %+v", body.Error)
	}
}
