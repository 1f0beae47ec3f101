// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Answer Module мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical)
//   - JWKS endpoint — HTTP checker (critical, без него невозможна аутентификация)
//   - внешний классификатор модерации — HTTP checker (non-critical, если задан)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками.
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthParams — параметры мониторинга зависимостей.
type DephealthParams struct {
	// ServiceID — имя вершины графа текущего приложения
	ServiceID string
	// Group — имя группы в метриках (AN_DEPHEALTH_GROUP)
	Group string
	// DB — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
	DB *sql.DB
	// PGConnURL — URL PostgreSQL для лейблов метрик (не для подключения)
	PGConnURL string
	// JWKSURL — URL JWKS endpoint
	JWKSURL string
	// TLSSkipVerify — не проверять сертификат JWKS endpoint
	TLSSkipVerify bool
	// ClassifierURL — URL внешнего классификатора (пусто — не мониторится)
	ClassifierURL string
	// CheckInterval — интервал проверки (AN_DEPHEALTH_CHECK_INTERVAL)
	CheckInterval time.Duration
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(p DephealthParams, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(p, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(p DephealthParams, logger *slog.Logger, registerer prometheus.Registerer) (*DephealthService, error) {
	return newDephealthService(p, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(p DephealthParams, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(p.DB)),
			dephealth.FromURL(p.PGConnURL),
			dephealth.CheckInterval(p.CheckInterval),
			dephealth.Critical(true),
		),
		// Проверяется сам JWKS endpoint: отдельного health у IdP может не быть
		dephealth.HTTP("jwks",
			dephealth.FromURL(p.JWKSURL),
			dephealth.WithHTTPHealthPath(healthPath(p.JWKSURL, "/health")),
			dephealth.CheckInterval(p.CheckInterval),
			dephealth.Critical(true),
			dephealth.WithHTTPTLSSkipVerify(p.TLSSkipVerify),
		),
	}

	if p.ClassifierURL != "" {
		opts = append(opts, dephealth.HTTP("moderation-classifier",
			dephealth.FromURL(p.ClassifierURL),
			dephealth.WithHTTPHealthPath("/health"),
			dephealth.CheckInterval(p.CheckInterval),
			dephealth.Critical(false),
		))
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(p.ServiceID, p.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// healthPath возвращает path из URL или fallback, если path пуст.
func healthPath(rawURL, fallback string) string {
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Path != "" && parsed.Path != "/" {
		return parsed.Path
	}
	return fallback
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
