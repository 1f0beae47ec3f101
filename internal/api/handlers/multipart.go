// multipart.go — потоковый разбор multipart-заявки на публикацию.
// Файлы читаются в порядке поступления независимо от имени поля.
package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/bigkaa/goartstore/answer-module/internal/attachment"
	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
)

// Имена текстовых полей формы.
const (
	fieldQuestionID = "questionId"
	fieldBody       = "body"
)

// errFieldTooLarge — текстовое поле превышает допустимый размер.
var errFieldTooLarge = errors.New("поле формы превышает допустимый размер")

// errTruncated — содержимое файла не сохранено, т.к. превышает лимит.
var errTruncated = errors.New("содержимое файла превышает лимит и не сохранено")

// submissionForm — разобранная форма заявки.
type submissionForm struct {
	QuestionID string
	Body       string
	Files      []model.RawFile
}

// formLimits — ограничения разбора формы.
type formLimits struct {
	maxFileSize int64
	// maxFiles — сколько файлов буферизуется (0 — без ограничения).
	// Содержимое последующих файлов только подсчитывается.
	maxFiles      int
	maxBodyLength int
}

// RequestLimit возвращает верхнюю границу размера тела запроса на публикацию.
// Запас на один файл сверх MaxFiles нужен, чтобы слишком большой файл
// получил отказ TOO_LARGE, а не 413 на уровне транспорта.
func RequestLimit(policy attachment.UploadPolicy, maxBodyLength int) int64 {
	files := policy.MaxFiles
	if files <= 0 {
		files = 20
	}
	return int64(files+1)*policy.MaxFileSize + fieldLimit(maxBodyLength) + 1<<20
}

// fieldLimit — максимальный размер текстового поля в байтах (UTF-8 до 4 байт на символ).
func fieldLimit(maxBodyLength int) int64 {
	return int64(maxBodyLength)*4 + 1024
}

// parseSubmissionForm читает multipart-тело запроса.
// Содержимое файла сверх maxFileSize не буферизуется: размер подсчитывается,
// а отказ по размеру формирует валидатор вложений. Файлы сверх maxFiles
// не буферизуются вовсе, валидатор отклоняет их как TOO_MANY_FILES.
func parseSubmissionForm(r *http.Request, limits formLimits) (*submissionForm, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("ожидается multipart/form-data: %w", err)
	}

	form := &submissionForm{}
	limit := fieldLimit(limits.maxBodyLength)

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		if part.FileName() == "" {
			value, err := readField(part, limit)
			_ = part.Close()
			if err != nil {
				return nil, fmt.Errorf("поле %q: %w", part.FormName(), err)
			}
			switch part.FormName() {
			case fieldQuestionID:
				form.QuestionID = value
			case fieldBody:
				form.Body = value
			}
			continue
		}

		bufferLimit := limits.maxFileSize
		if limits.maxFiles > 0 && len(form.Files) >= limits.maxFiles {
			bufferLimit = -1
		}
		raw, err := readFile(part, bufferLimit)
		_ = part.Close()
		if err != nil {
			return nil, fmt.Errorf("файл %q: %w", part.FileName(), err)
		}
		form.Files = append(form.Files, raw)
	}

	return form, nil
}

// readField читает текстовое поле не длиннее limit байт.
func readField(r io.Reader, limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > limit {
		return "", errFieldTooLarge
	}
	return string(data), nil
}

// readFile буферизует файл до maxFileSize байт включительно.
// При отрицательном maxFileSize содержимое только подсчитывается.
func readFile(part *multipart.Part, maxFileSize int64) (model.RawFile, error) {
	raw := model.RawFile{
		OriginalName:     part.FileName(),
		DeclaredMIMEType: part.Header.Get("Content-Type"),
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(part, maxFileSize+1))
	if err != nil {
		return model.RawFile{}, err
	}

	if n > maxFileSize {
		rest, err := io.Copy(io.Discard, part)
		if err != nil {
			return model.RawFile{}, err
		}
		raw.Size = n + rest
		raw.Open = func() (io.ReadCloser, error) { return nil, errTruncated }
		return raw, nil
	}

	data := buf.Bytes()
	raw.Size = n
	raw.Open = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil }
	return raw, nil
}
