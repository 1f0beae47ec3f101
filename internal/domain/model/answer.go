// Пакет model — доменные модели Answer Module.
// Структуры используются как in-memory представление, формат ответов API
// и формат хранения (JSONB вложений в PostgreSQL).
package model

import (
	"io"
	"time"
)

// SubmissionRequest — входящая заявка на публикацию ответа.
// Живёт только в рамках одного запроса.
type SubmissionRequest struct {
	// AuthorID — идентификатор автора (sub из JWT)
	AuthorID string
	// QuestionID — идентификатор вопроса
	QuestionID string
	// Body — текст ответа
	Body string
	// Files — загруженные файлы в порядке поступления
	Files []RawFile
	// IdempotencyKey — ключ идемпотентности (заголовок Idempotency-Key), опционально
	IdempotencyKey string
}

// RawFile — файл, полученный от клиента, до валидации.
// Open открывает содержимое файла; владелец — запрос, после завершения
// конвейера файл не используется.
type RawFile struct {
	OriginalName     string
	DeclaredMIMEType string
	Size             int64
	Open             func() (io.ReadCloser, error)
}

// ValidatedFile — файл, прошедший проверку политики загрузки.
type ValidatedFile struct {
	RawFile
	// Extension — расширение в нижнем регистре без точки
	Extension string
	// MIMEType — нормализованный MIME-тип (нижний регистр, без параметров)
	MIMEType string
	// Index — позиция файла в исходной заявке
	Index int
}

// AttachmentRecord — описание сохранённого вложения. Неизменяемо.
type AttachmentRecord struct {
	// StoredName — имя объекта в хранилище.
	// Формат: {name}_{timestamp}_{uuid8}.{ext}
	StoredName   string `json:"stored_name"`
	OriginalName string `json:"original_name"`
	MIMEType     string `json:"mime_type"`
	Extension    string `json:"extension"`
	Size         int64  `json:"size"`
	// URL — публичный адрес вложения, никогда не путь файловой системы
	URL string `json:"url"`
	// Checksum — SHA-256 содержимого (hex)
	Checksum string `json:"checksum"`
}

// Answer — опубликованный ответ на вопрос.
type Answer struct {
	ID          string             `json:"id"`
	QuestionID  string             `json:"question_id"`
	AuthorID    string             `json:"author_id"`
	Body        string             `json:"body"`
	Attachments []AttachmentRecord `json:"attachments"`
	Upvotes     int                `json:"upvotes"`
	Verified    bool               `json:"verified"`
	CreatedAt   time.Time          `json:"created_at"`

	// IdempotencyKey не возвращается клиенту
	IdempotencyKey string `json:"-"`
}
