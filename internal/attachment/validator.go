// Пакет attachment — проверка и сохранение вложений ответа.
//
// Validate — чистая функция (файл, политика) без побочных эффектов.
// Store — единственный компонент, записывающий байты вложений в хранилище.
package attachment

import (
	"fmt"
	"mime"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bigkaa/goartstore/answer-module/internal/config"
	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
)

// Причины отказа в приёме файла.
const (
	// ReasonUnsupportedType — расширение или MIME-тип не входит в список допустимых
	ReasonUnsupportedType = "UNSUPPORTED_TYPE"
	// ReasonTooLarge — размер файла превышает лимит
	ReasonTooLarge = "TOO_LARGE"
	// ReasonTooManyFiles — превышено количество файлов в ответе
	ReasonTooManyFiles = "TOO_MANY_FILES"
)

// UploadPolicy — политика приёма вложений. Передаётся явно,
// глобального состояния нет.
type UploadPolicy struct {
	// AllowedExtensions — допустимые расширения (нижний регистр, без точки)
	AllowedExtensions []string
	// ExtraMIMETypes — MIME-типы, допустимые сверх списка расширений
	ExtraMIMETypes []string
	// RequireMIMEMatch — и расширение, и MIME-тип должны пройти проверку
	RequireMIMEMatch bool
	// MaxFileSize — максимальный размер одного файла в байтах
	MaxFileSize int64
	// MaxFiles — максимальное количество файлов (0 — без ограничения)
	MaxFiles int
}

// DefaultPolicy возвращает политику по умолчанию.
func DefaultPolicy() UploadPolicy {
	return UploadPolicy{
		AllowedExtensions: slices.Clone(config.DefaultAllowedExtensions),
		ExtraMIMETypes:    []string{"application/msword"},
		RequireMIMEMatch:  true,
		MaxFileSize:       5 * 1024 * 1024,
		MaxFiles:          10,
	}
}

// PolicyFromConfig строит политику из конфигурации сервиса.
func PolicyFromConfig(cfg *config.Config) UploadPolicy {
	return UploadPolicy{
		AllowedExtensions: slices.Clone(cfg.AllowedExtensions),
		ExtraMIMETypes:    slices.Clone(cfg.ExtraMIMETypes),
		RequireMIMEMatch:  cfg.RequireMIMEMatch,
		MaxFileSize:       cfg.MaxFileSize,
		MaxFiles:          cfg.MaxFiles,
	}
}

// FileRejection — отказ в приёме конкретного файла.
type FileRejection struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Reason  string `json:"reason"`
	Message string `json:"-"`
}

func (r *FileRejection) Error() string {
	return fmt.Sprintf("файл #%d %q: %s: %s", r.Index, r.Name, r.Reason, r.Message)
}

// Validate проверяет один файл по политике.
// Расширение и MIME-тип проверяются независимо: файл с допустимым MIME-типом,
// но недопустимым расширением отклоняется.
func Validate(file model.RawFile, policy UploadPolicy) (model.ValidatedFile, *FileRejection) {
	ext := Extension(file.OriginalName)
	mimeType := NormalizeMIME(file.DeclaredMIMEType)

	reject := func(reason, msg string) (model.ValidatedFile, *FileRejection) {
		return model.ValidatedFile{}, &FileRejection{Name: file.OriginalName, Reason: reason, Message: msg}
	}

	if ext == "" || !slices.Contains(policy.AllowedExtensions, ext) {
		return reject(ReasonUnsupportedType, fmt.Sprintf("расширение %q не допускается", ext))
	}
	if policy.RequireMIMEMatch && !policy.mimeAllowed(mimeType) {
		return reject(ReasonUnsupportedType, fmt.Sprintf("MIME-тип %q не допускается", mimeType))
	}
	if file.Size < 0 || file.Size > policy.MaxFileSize {
		return reject(ReasonTooLarge, fmt.Sprintf("размер %d байт превышает лимит %d байт", file.Size, policy.MaxFileSize))
	}

	return model.ValidatedFile{
		RawFile:   file,
		Extension: ext,
		MIMEType:  mimeType,
	}, nil
}

// ValidateAll проверяет все файлы заявки. Возвращает принятые файлы и
// полный список отказов; любой отказ означает отклонение всей заявки.
func ValidateAll(files []model.RawFile, policy UploadPolicy) ([]model.ValidatedFile, []FileRejection) {
	validated := make([]model.ValidatedFile, 0, len(files))
	var rejections []FileRejection

	for i, f := range files {
		if policy.MaxFiles > 0 && i >= policy.MaxFiles {
			rejections = append(rejections, FileRejection{
				Index:   i,
				Name:    f.OriginalName,
				Reason:  ReasonTooManyFiles,
				Message: fmt.Sprintf("допускается не более %d файлов", policy.MaxFiles),
			})
			continue
		}

		vf, rej := Validate(f, policy)
		if rej != nil {
			rej.Index = i
			rejections = append(rejections, *rej)
			continue
		}
		vf.Index = i
		validated = append(validated, vf)
	}

	return validated, rejections
}

// Extension возвращает расширение имени файла в нижнем регистре без точки.
func Extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// NormalizeMIME приводит MIME-тип к нижнему регистру и отбрасывает параметры.
func NormalizeMIME(declared string) string {
	declared = strings.TrimSpace(declared)
	if declared == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(declared); err == nil {
		return mt
	}
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = declared[:i]
	}
	return strings.ToLower(strings.TrimSpace(declared))
}

// mimeAllowed проверяет MIME-тип по тому же списку токенов, что и расширения
// (вхождение токена в MIME-тип), либо по списку дополнительных MIME-типов.
func (p UploadPolicy) mimeAllowed(mimeType string) bool {
	if mimeType == "" {
		return false
	}
	if slices.Contains(p.ExtraMIMETypes, mimeType) {
		return true
	}
	for _, token := range p.AllowedExtensions {
		if strings.Contains(mimeType, token) {
			return true
		}
	}
	return false
}
