// uploads.go — публичная раздача сохранённых вложений.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/answer-module/internal/api/errors"
	"github.com/bigkaa/goartstore/answer-module/internal/storage"
)

// AttachmentOpener — чтение сохранённых вложений.
type AttachmentOpener interface {
	Open(ctx context.Context, storedName string) (io.ReadCloser, *storage.ObjectInfo, error)
}

// UploadsHandler — обработчик GET {prefix}/{storedName}.
type UploadsHandler struct {
	opener AttachmentOpener
	logger *slog.Logger
}

// NewUploadsHandler создаёт обработчик раздачи вложений.
func NewUploadsHandler(opener AttachmentOpener, logger *slog.Logger) *UploadsHandler {
	return &UploadsHandler{
		opener: opener,
		logger: logger.With(slog.String("component", "uploads_handler")),
	}
}

// ServeAttachment отдаёт вложение по имени хранения.
// Тип содержимого определяется по расширению. Для файлов на диске
// поддерживаются Range и If-Modified-Since через http.ServeContent.
func (h *UploadsHandler) ServeAttachment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "storedName")
	if err := storage.ValidateName(name); err != nil {
		apierrors.NotFound(w, "Вложение не найдено")
		return
	}

	rc, info, err := h.opener.Open(r.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidName) {
			apierrors.NotFound(w, "Вложение не найдено")
			return
		}
		h.logger.Error("Ошибка чтения вложения",
			slog.String("stored_name", name),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" && info != nil {
		contentType = info.ContentType
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")

	if rs, ok := rc.(io.ReadSeeker); ok && info != nil {
		http.ServeContent(w, r, name, info.ModTime, rs)
		return
	}

	if info != nil && info.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Debug("Передача вложения прервана",
			slog.String("stored_name", name),
			slog.String("error", err.Error()),
		)
	}
}
