// Пакет moderation — проверка содержимого заявки перед сохранением.
//
// Решение принимает подключаемый Classifier. Gate ограничивает время
// проверки и регистрирует нарушение в журнале при отказе.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
)

// Classifier — функция принятия решения модерации.
type Classifier interface {
	// Name возвращает имя классификатора (для логов).
	Name() string
	// Classify возвращает вердикт по тексту ответа и проверенным вложениям.
	Classify(ctx context.Context, body string, files []model.ValidatedFile) (model.ModerationVerdict, error)
}

// chain — последовательность классификаторов, побеждает первый отказ.
type chain []Classifier

// Chain объединяет классификаторы. Пустая цепочка одобряет всё.
func Chain(classifiers ...Classifier) Classifier {
	return chain(classifiers)
}

func (c chain) Name() string {
	names := make([]string, 0, len(c))
	for _, cl := range c {
		names = append(names, cl.Name())
	}
	return strings.Join(names, ",")
}

func (c chain) Classify(ctx context.Context, body string, files []model.ValidatedFile) (model.ModerationVerdict, error) {
	for _, cl := range c {
		v, err := cl.Classify(ctx, body, files)
		if err != nil {
			return model.ModerationVerdict{}, fmt.Errorf("классификатор %s: %w", cl.Name(), err)
		}
		if v.Outcome == model.Rejected {
			return v, nil
		}
	}
	return model.Approve(), nil
}

// classifyRequest — тело запроса к внешнему классификатору.
type classifyRequest struct {
	Body        string               `json:"body"`
	Attachments []classifyAttachment `json:"attachments"`
}

type classifyAttachment struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	MIMEType  string `json:"mime_type"`
	Extension string `json:"extension"`
	Size      int64  `json:"size"`
}

// HTTPClassifier — внешний классификатор по HTTP.
//
// Формат запроса: POST {endpoint} с JSON classifyRequest.
// Формат ответа: JSON model.ModerationVerdict.
type HTTPClassifier struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClassifier создаёт клиент внешнего классификатора.
// Таймаут задаётся контекстом (Gate), а не http.Client.
func NewHTTPClassifier(endpoint string, httpClient *http.Client, logger *slog.Logger) *HTTPClassifier {
	if httpClient == nil {
		httpClient = &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 10}}
	}
	return &HTTPClassifier{
		endpoint:   endpoint,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "http_classifier")),
	}
}

// Name возвращает имя классификатора.
func (c *HTTPClassifier) Name() string { return "http" }

// Endpoint возвращает адрес классификатора.
func (c *HTTPClassifier) Endpoint() string { return c.endpoint }

// Classify отправляет заявку внешнему классификатору.
func (c *HTTPClassifier) Classify(ctx context.Context, body string, files []model.ValidatedFile) (model.ModerationVerdict, error) {
	payload := classifyRequest{
		Body:        body,
		Attachments: make([]classifyAttachment, 0, len(files)),
	}
	for _, f := range files {
		payload.Attachments = append(payload.Attachments, classifyAttachment{
			Index:     f.Index,
			Name:      f.OriginalName,
			MIMEType:  f.MIMEType,
			Extension: f.Extension,
			Size:      f.Size,
		})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return model.ModerationVerdict{}, fmt.Errorf("сериализация запроса: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return model.ModerationVerdict{}, fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req) //nolint:gosec // URL из конфигурации
	if err != nil {
		return model.ModerationVerdict{}, fmt.Errorf("запрос к %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.ModerationVerdict{}, fmt.Errorf("классификатор вернул %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var v model.ModerationVerdict
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&v); err != nil {
		return model.ModerationVerdict{}, fmt.Errorf("разбор ответа классификатора: %w", err)
	}
	return v, nil
}
