// Пакет storage — общий контракт бэкендов хранения вложений
// и генерация имён объектов.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ErrNotFound — объект отсутствует в хранилище.
var ErrNotFound = errors.New("объект не найден")

// ErrInvalidName — имя объекта недопустимо (пустое, содержит разделители пути и т.п.).
var ErrInvalidName = errors.New("недопустимое имя объекта")

// PutResult — результат записи объекта.
type PutResult struct {
	// Name — имя объекта в хранилище
	Name string
	// Size — размер записанных данных в байтах
	Size int64
	// Checksum — SHA-256 хэш содержимого (hex)
	Checksum string
}

// ObjectInfo — информация об объекте при чтении.
type ObjectInfo struct {
	Size        int64
	ContentType string
	ModTime     time.Time
}

// Backend — хранилище объектов вложений.
// Реализации: filestore (локальный диск), s3store (S3-совместимое хранилище).
type Backend interface {
	// Kind возвращает тип бэкенда (disk, s3) для журнала и метрик.
	Kind() string
	// Put записывает объект. При ошибке частично записанные данные удаляются.
	Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (*PutResult, error)
	// Delete удаляет объект. Отсутствие объекта не является ошибкой.
	Delete(ctx context.Context, name string) error
	// Open открывает объект для чтения. Возвращает ErrNotFound, если объекта нет.
	Open(ctx context.Context, name string) (io.ReadCloser, *ObjectInfo, error)
}

// maxStemRunes — максимальная длина основы имени в символах.
const maxStemRunes = 50

// GenerateName генерирует имя объекта для хранения.
// Формат: {name}_{timestamp}_{uuid8}.{ext}
// Пример: photo_20260221150405123456_a1b2c3d4.jpg
//
// Уникальность обеспечивается временем с точностью до микросекунды и
// случайным UUID, глобальная блокировка не требуется.
func GenerateName(originalName, ext string, now time.Time) string {
	stem := strings.TrimSuffix(filepath.Base(originalName), filepath.Ext(originalName))
	stem = sanitize(stem)
	if utf8.RuneCountInString(stem) > maxStemRunes {
		stem = string([]rune(stem)[:maxStemRunes])
	}

	now = now.UTC()
	ts := fmt.Sprintf("%s%06d", now.Format("20060102150405"), now.Nanosecond()/1000)
	uid := uuid.New().String()[:8]

	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext != "" {
		return fmt.Sprintf("%s_%s_%s.%s", stem, ts, uid, ext)
	}
	return fmt.Sprintf("%s_%s_%s", stem, ts, uid)
}

// ValidateName проверяет, что имя объекта безопасно для использования
// как имя файла и ключ объекта: без разделителей пути, без "..",
// без управляющих символов.
func ValidateName(name string) error {
	if name == "" || len(name) > 255 || strings.HasPrefix(name, ".") {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return ErrInvalidName
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return ErrInvalidName
		}
	}
	return nil
}

// sanitize убирает небезопасные символы из строки для использования в имени файла.
// Оставляет только буквы, цифры, дефис и подчёркивание.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' ||
			(r >= 0x0400 && r <= 0x04FF) { // Кириллица
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "file"
	}
	return result.String()
}
