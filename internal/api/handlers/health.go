// health.go — обработчики health endpoints Answer Module.
// /health/live — liveness probe (процесс жив)
// /health/ready — readiness probe (PostgreSQL и JWKS доступны)
// /metrics — Prometheus метрики
package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/answer-module/internal/config"
)

// serviceName — имя сервиса в ответах health endpoints.
const serviceName = "answer-module"

// ReadinessChecker — проверка готовности одной зависимости.
type ReadinessChecker interface {
	// Name возвращает ключ проверки в ответе readiness.
	Name() string
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady() (status, message string)
}

// HealthHandler — обработчик health endpoints.
type HealthHandler struct {
	checkers    []ReadinessChecker
	promHandler http.Handler
}

// NewHealthHandler создаёт обработчик health endpoints.
func NewHealthHandler(checkers ...ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		checkers:    checkers,
		promHandler: promhttp.Handler(),
	}
}

// healthCheckResult — результат проверки одной зависимости.
type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthLiveResponse — ответ liveness probe.
type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

// healthReadyResponse — ответ readiness probe.
type healthReadyResponse struct {
	Status    string                       `json:"status"`
	Timestamp string                       `json:"timestamp"`
	Version   string                       `json:"version"`
	Service   string                       `json:"service"`
	Checks    map[string]healthCheckResult `json:"checks"`
}

// HealthLive — liveness probe. Возвращает 200 если процесс жив.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthLiveResponse{
		Status:    statusOK,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	})
}

// HealthReady — readiness probe. 200 для ok и degraded, 503 для fail.
// Зависимости проверяются параллельно: у каждой проверки свой таймаут.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	results := make([]healthCheckResult, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, msg := c.CheckReady()
			results[i] = healthCheckResult{Status: status, Message: msg}
		}()
	}
	wg.Wait()

	resp := healthReadyResponse{
		Status:    statusOK,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
		Checks:    make(map[string]healthCheckResult, len(h.checkers)),
	}
	for i, c := range h.checkers {
		resp.Checks[c.Name()] = results[i]
		resp.Status = worse(resp.Status, results[i].Status)
	}

	code := http.StatusOK
	if resp.Status == statusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// GetMetrics — Prometheus метрики.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}

// Статусы health check по возрастанию тяжести.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

var statusSeverity = map[string]int{statusOK: 0, statusDegraded: 1, statusFail: 2}

// worse возвращает более тяжёлый из двух статусов.
// Неизвестный статус зависимости считается fail.
func worse(a, b string) string {
	sa, ok := statusSeverity[a]
	if !ok {
		return statusFail
	}
	sb, ok := statusSeverity[b]
	if !ok {
		return statusFail
	}
	if sb > sa {
		return b
	}
	return a
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
