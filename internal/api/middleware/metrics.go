// metrics.go — Prometheus HTTP метрики Answer Module.
// Нормализация путей предотвращает взрывной рост кардинальности.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики Answer Module
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "an_http_requests_total",
			Help: "Общее количество HTTP-запросов к Answer Module",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "an_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Answer Module в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Размер тела запроса. Для POST /api/v1/answers отражает объём вложений.
	httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "an_http_request_size_bytes",
			Help:    "Заявленный размер тела HTTP-запроса в байтах",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// uploadsPrefix — публичный префикс URL вложений (например, /uploads).
func MetricsMiddleware(uploadsPrefix string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path, uploadsPrefix)

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(statusOf(ww))).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
			if r.ContentLength > 0 {
				httpRequestSize.WithLabelValues(r.Method, path).Observe(float64(r.ContentLength))
			}
		})
	}
}

// normalizePath заменяет идентификаторы в пути на шаблоны.
// /api/v1/answers/a1b2... → /api/v1/answers/{id}
// /api/v1/questions/q-1/answers → /api/v1/questions/{id}/answers
// /uploads/photo_2026..._a1b2c3d4.jpg → /uploads/{name}
func normalizePath(path, uploadsPrefix string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/v1/answers", "/api/v1/strikes/me":
		return path
	}

	if uploadsPrefix != "" && strings.HasPrefix(path, uploadsPrefix+"/") {
		return uploadsPrefix + "/{name}"
	}

	const answersPrefix = "/api/v1/answers/"
	if strings.HasPrefix(path, answersPrefix) && !strings.Contains(path[len(answersPrefix):], "/") {
		return "/api/v1/answers/{id}"
	}

	const questionsPrefix = "/api/v1/questions/"
	if rest, ok := strings.CutPrefix(path, questionsPrefix); ok {
		if id, suffix, found := strings.Cut(rest, "/"); found && id != "" && suffix == "answers" {
			return "/api/v1/questions/{id}/answers"
		}
	}

	// Неизвестные пути сводятся к одному значению метки
	return "other"
}
