// handler.go — основной обработчик API, объединяющий health и бизнес-обработчики.
package handlers

import (
	"github.com/go-chi/chi/v5"
)

// APIHandler — основной обработчик API Answer Module.
type APIHandler struct {
	health        *HealthHandler
	answers       *AnswersHandler
	uploads       *UploadsHandler
	strikes       *StrikesHandler
	uploadsPrefix string
}

// NewAPIHandler создаёт основной обработчик API.
// uploadsPrefix — публичный префикс URL вложений (например, /uploads).
func NewAPIHandler(
	health *HealthHandler,
	answers *AnswersHandler,
	uploads *UploadsHandler,
	strikes *StrikesHandler,
	uploadsPrefix string,
) *APIHandler {
	return &APIHandler{
		health:        health,
		answers:       answers,
		uploads:       uploads,
		strikes:       strikes,
		uploadsPrefix: uploadsPrefix,
	}
}

// Register регистрирует маршруты API в роутере.
func (h *APIHandler) Register(r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	r.Get(h.uploadsPrefix+"/{storedName}", h.uploads.ServeAttachment)
	r.Head(h.uploadsPrefix+"/{storedName}", h.uploads.ServeAttachment)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/answers", h.answers.CreateAnswer)
		r.Get("/answers/{id}", h.answers.GetAnswer)
		r.Get("/questions/{questionId}/answers", h.answers.ListQuestionAnswers)
		r.Get("/strikes/me", h.strikes.GetMyStrikes)
	})
}

// PublicPrefixes возвращает префиксы путей, доступных без аутентификации.
func (h *APIHandler) PublicPrefixes() []string {
	return []string{"/health/", "/metrics", h.uploadsPrefix + "/"}
}
