// Пакет strike — журнал нарушений пользователей и блокировки публикации.
//
// Журнал — единственный компонент, изменяющий состояние нарушений.
// Изменения одного пользователя сериализуются, изменения разных
// пользователей не блокируют друг друга. Журнал сам не отклоняет
// заявки: он только регистрирует нарушения и отвечает на вопрос,
// может ли пользователь публиковать ответы.
package strike

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
)

// Prometheus-метрики журнала нарушений.
var (
	strikesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "an_strikes_total",
		Help: "Количество зарегистрированных нарушений по причинам.",
	}, []string{"reason"})
	suspensionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "an_suspensions_total",
		Help: "Количество блокировок публикации.",
	})
)

// ErrEmptyUserID — идентификатор пользователя не задан.
var ErrEmptyUserID = errors.New("идентификатор пользователя не задан")

// Ledger — журнал нарушений.
type Ledger interface {
	// IsEligibleToPost возвращает false, если блокировка пользователя ещё действует.
	// Вторым значением возвращается текущее состояние (nil, если нарушений не было).
	IsEligibleToPost(ctx context.Context, userID string) (bool, *model.StrikeState, error)
	// RecordViolation атомарно регистрирует нарушение и при достижении порога
	// в скользящем окне устанавливает блокировку.
	RecordViolation(ctx context.Context, userID, reasonCode string) (*model.StrikeState, error)
	// State возвращает состояние пользователя (нулевое, если нарушений не было).
	State(ctx context.Context, userID string) (*model.StrikeState, error)
}

// Policy — параметры блокировки.
type Policy struct {
	// Threshold — количество нарушений в окне, после которого пользователь блокируется
	Threshold int
	// Window — скользящее окно подсчёта нарушений
	Window time.Duration
	// SuspensionDuration — длительность блокировки
	SuspensionDuration time.Duration
}

// DefaultPolicy возвращает политику по умолчанию: 3 нарушения за 30 дней — блокировка на 24 часа.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:          3,
		Window:             30 * 24 * time.Hour,
		SuspensionDuration: 24 * time.Hour,
	}
}

// windowStart возвращает момент, строго после которого нарушения учитываются
// при проверке порога. Нарушения до начала последней блокировки не учитываются,
// поэтому после её окончания подсчёт начинается заново.
func windowStart(state *model.StrikeState, now time.Time, p Policy) time.Time {
	since := now.Add(-p.Window)
	if state.SuspendedAt != nil && state.SuspendedAt.After(since) {
		since = *state.SuspendedAt
	}
	return since
}

// applyViolation применяет новое нарушение к состоянию.
// recent — количество нарушений в окне, включая новое.
// Возвращает true, если нарушение привело к блокировке.
// Действующая блокировка никогда не продлевается.
func applyViolation(state *model.StrikeState, recent int, now time.Time, p Policy) bool {
	state.StrikeCount++
	state.UpdatedAt = now

	if state.SuspendedAtTime(now) {
		return false
	}
	if recent < p.Threshold {
		return false
	}

	until := now.Add(p.SuspensionDuration)
	at := now
	state.SuspendedUntil = &until
	state.SuspendedAt = &at
	return true
}

// observe обновляет метрики после регистрации нарушения.
func observe(reasonCode string, suspended bool) {
	strikesTotal.WithLabelValues(reasonCode).Inc()
	if suspended {
		suspensionsTotal.Inc()
	}
}

// cloneState возвращает независимую копию состояния.
func cloneState(s *model.StrikeState) *model.StrikeState {
	if s == nil {
		return nil
	}
	c := *s
	if s.SuspendedUntil != nil {
		t := *s.SuspendedUntil
		c.SuspendedUntil = &t
	}
	if s.SuspendedAt != nil {
		t := *s.SuspendedAt
		c.SuspendedAt = &t
	}
	return &c
}
