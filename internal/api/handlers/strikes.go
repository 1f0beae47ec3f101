// strikes.go — просмотр собственного состояния нарушений.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/answer-module/internal/api/errors"
	"github.com/bigkaa/goartstore/answer-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
)

// StrikeReader — чтение состояния нарушений.
type StrikeReader interface {
	IsEligibleToPost(ctx context.Context, userID string) (bool, *model.StrikeState, error)
}

// StrikesHandler — обработчик GET /api/v1/strikes/me.
type StrikesHandler struct {
	ledger StrikeReader
	logger *slog.Logger
}

// NewStrikesHandler создаёт обработчик состояния нарушений.
func NewStrikesHandler(ledger StrikeReader, logger *slog.Logger) *StrikesHandler {
	return &StrikesHandler{
		ledger: ledger,
		logger: logger.With(slog.String("component", "strikes_handler")),
	}
}

// strikeStateResponse — состояние нарушений вызывающего пользователя.
type strikeStateResponse struct {
	model.StrikeState
	EligibleToPost bool `json:"eligible_to_post"`
}

// GetMyStrikes возвращает состояние нарушений автора запроса.
func (h *StrikesHandler) GetMyStrikes(w http.ResponseWriter, r *http.Request) {
	subject := middleware.SubjectFromContext(r.Context())
	if subject == "" {
		apierrors.Unauthorized(w, "Автор не определён")
		return
	}

	eligible, state, err := h.ledger.IsEligibleToPost(r.Context(), subject)
	if err != nil {
		h.logger.Error("Ошибка чтения журнала нарушений",
			slog.String("user_id", subject),
			slog.String("error", err.Error()),
		)
		apierrors.ServiceUnavailable(w, "Журнал нарушений недоступен")
		return
	}

	resp := strikeStateResponse{EligibleToPost: eligible}
	if state != nil {
		resp.StrikeState = *state
	} else {
		resp.UserID = subject
	}
	writeJSON(w, http.StatusOK, resp)
}
