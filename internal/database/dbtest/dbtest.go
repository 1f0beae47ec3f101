// Пакет dbtest — запуск PostgreSQL в Docker-контейнере для интеграционных тестов.
// Тесты пропускаются, если переменная TEST_INTEGRATION не установлена.
package dbtest

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/goartstore/answer-module/internal/config"
	"github.com/bigkaa/goartstore/answer-module/internal/database"
)

// Config запускает PostgreSQL контейнер и возвращает конфигурацию подключения.
// Миграции не применяются.
func Config(t *testing.T) *config.Config {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("answers_test"),
		postgres.WithUsername("answers"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}
	portNum, err := strconv.Atoi(port.Port())
	if err != nil {
		t.Fatalf("Некорректный порт контейнера: %v", err)
	}

	return &config.Config{
		DBHost:     host,
		DBPort:     portNum,
		DBName:     "answers_test",
		DBUser:     "answers",
		DBPassword: "test-password",
		DBSSLMode:  "disable",
	}
}

// Pool запускает PostgreSQL контейнер, применяет миграции и возвращает пул подключений.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	cfg := Config(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(pool.Close)

	return pool
}
