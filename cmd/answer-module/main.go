// Точка входа Answer Module — сервис публикации ответов с вложениями.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// откатывает незавершённые пакеты вложений, собирает конвейер публикации
// (журнал нарушений, модерация, хранилище вложений), запускает фоновые
// задачи (GC журнала, topologymetrics) и HTTP-сервер с JWT middleware.
package main

import (
	"context"
	"log/slog"
	"os"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/answer-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/answer-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/answer-module/internal/attachment"
	"github.com/bigkaa/goartstore/answer-module/internal/config"
	"github.com/bigkaa/goartstore/answer-module/internal/database"
	"github.com/bigkaa/goartstore/answer-module/internal/moderation"
	"github.com/bigkaa/goartstore/answer-module/internal/repository"
	"github.com/bigkaa/goartstore/answer-module/internal/server"
	"github.com/bigkaa/goartstore/answer-module/internal/service"
	"github.com/bigkaa/goartstore/answer-module/internal/storage"
	"github.com/bigkaa/goartstore/answer-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/answer-module/internal/storage/s3store"
	"github.com/bigkaa/goartstore/answer-module/internal/storage/wal"
	"github.com/bigkaa/goartstore/answer-module/internal/strike"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Answer Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("storage_backend", cfg.StorageBackend),
		slog.String("strike_backend", cfg.StrikeBackend),
	)

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Хранилище вложений и журнал коммитов
	backend, err := newBackend(ctx, cfg)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища вложений", slog.String("error", err.Error()))
		os.Exit(1)
	}
	journal, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		logger.Error("Ошибка инициализации журнала вложений", slog.String("error", err.Error()))
		os.Exit(1)
	}
	attachments := attachment.NewStore(backend, journal, cfg.AttachmentURLPrefix, logger)
	answerRepo := repository.NewAnswerRepository(pool)
	attachments.SetReferenceChecker(answerRepo)

	// 5.1 Откат пакетов, не завершённых до перезапуска.
	// Пакеты уже сохранённых ответов фиксируются.
	if n, rbErr := attachments.RollbackPending(ctx, 0); rbErr != nil {
		logger.Warn("Ошибка отката незавершённых пакетов вложений", slog.String("error", rbErr.Error()))
	} else if n > 0 {
		logger.Info("Незавершённые пакеты вложений откачены", slog.Int("batches", n))
	}

	// 6. Журнал нарушений
	policy := strike.PolicyFromConfig(cfg)
	var ledger strike.Ledger
	switch cfg.StrikeBackend {
	case config.StrikeBackendMemory:
		logger.Warn("Журнал нарушений хранится в памяти процесса, блокировки не разделяются между репликами")
		ledger = strike.NewMemoryLedger(policy, logger)
	default:
		ledger = strike.NewPostgresLedger(pool, policy, logger)
	}

	// 7. Модерация
	classifier, err := moderation.ClassifierFromConfig(cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации модерации", slog.String("error", err.Error()))
		os.Exit(1)
	}
	gate := moderation.NewGate(classifier, ledger, cfg.ModerationTimeout, logger)

	// 8. Кэши
	answerCache := service.NewAnswerCache(cfg.AnswerCacheSize, cfg.AnswerCacheTTL)
	idemCache := service.NewIdempotencyCache(cfg.IdempotencyCacheSize, cfg.IdempotencyTTL)

	// 9. Services
	uploadPolicy := attachment.PolicyFromConfig(cfg)
	submissionSvc := service.NewSubmissionService(
		ledger, gate, attachments, answerRepo,
		uploadPolicy, cfg.MaxBodyLength, idemCache,
		logger,
	)
	querySvc := service.NewAnswerQueryService(answerRepo, answerCache, logger)

	// 10. Readiness checkers (PostgreSQL + JWKS)
	pgChecker := database.NewReadinessChecker(pool)
	jwksChecker, err := middleware.NewJWKSReadinessChecker(cfg.JWKSUrl, cfg.JWKSCACert, cfg.TLSSkipVerify, cfg.JWKSClientTimeout)
	if err != nil {
		logger.Error("Ошибка создания JWKS readiness checker", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 11. API handler
	apiHandler := handlers.NewAPIHandler(
		handlers.NewHealthHandler(pgChecker, jwksChecker),
		handlers.NewAnswersHandler(submissionSvc, querySvc, uploadPolicy, cfg.MaxBodyLength, logger),
		handlers.NewUploadsHandler(attachments, logger),
		handlers.NewStrikesHandler(ledger, logger),
		cfg.AttachmentURLPrefix,
	)

	// 12. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthOptions{
		JWKSURL:         cfg.JWKSUrl,
		CACertPath:      cfg.JWKSCACert,
		TLSSkipVerify:   cfg.TLSSkipVerify,
		ClientTimeout:   cfg.JWKSClientTimeout,
		RefreshInterval: cfg.JWKSRefreshInterval,
		Leeway:          cfg.JWTLeeway,
	}, logger)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован", slog.String("jwks_url", cfg.JWKSUrl))

	// 13. Фоновые задачи: GC журнала вложений
	gc := service.NewJournalGC(attachments, cfg.WALGCInterval, cfg.WALStaleAfter, logger)
	gc.Start(ctx)
	defer gc.Stop()

	// 13.1 topologymetrics — мониторинг зависимостей
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthParams{
		ServiceID:     cfg.ServiceID,
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		PGConnURL:     cfg.DatabaseURL(),
		JWKSURL:       cfg.JWKSUrl,
		TLSSkipVerify: cfg.TLSSkipVerify,
		ClassifierURL: cfg.ModerationURL,
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
		defer dephealthSvc.Stop()
	}

	// 14. HTTP-сервер. Health, метрики и вложения доступны без JWT.
	srv := server.New(cfg, logger, apiHandler,
		chimw.RequestID,
		chimw.Recoverer,
		middleware.RequestLogger(logger),
		middleware.MetricsMiddleware(cfg.AttachmentURLPrefix),
		server.JWTAuthWithExclusions(jwtAuth.Middleware(), apiHandler.PublicPrefixes()...),
	)

	// 15. Запуск сервера (блокирующий вызов с graceful shutdown)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1) //nolint:gocritic // defer-ы не критичны при аварийном завершении
	}

	logger.Info("Answer Module остановлен")
}

// newBackend создаёт бэкенд хранения вложений по AN_STORAGE_BACKEND.
func newBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	if cfg.StorageBackend == config.StorageBackendS3 {
		s3, err := s3store.New(ctx, s3store.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Prefix:    cfg.S3Prefix,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return s3, nil
	}

	fs, err := filestore.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return fs, nil
}
