package database_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/bigkaa/goartstore/answer-module/internal/database"
	"github.com/bigkaa/goartstore/answer-module/internal/database/dbtest"
)

// TestMigrate проверяет применение миграций и их идемпотентность.
func TestMigrate(t *testing.T) {
	cfg := dbtest.Config(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Migrate() вернул ошибку: %v", err)
	}
	// Повторное применение — ErrNoChange, не ошибка
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("повторный Migrate() вернул ошибку: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Connect() вернул ошибку: %v", err)
	}
	defer pool.Close()

	for _, table := range []string{"answers", "strike_states", "strike_violations"} {
		var exists bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, table,
		).Scan(&exists)
		if err != nil {
			t.Fatalf("ошибка проверки таблицы %s: %v", table, err)
		}
		if !exists {
			t.Errorf("таблица %s не создана", table)
		}
	}

	checker := database.NewReadinessChecker(pool)
	if status, msg := checker.CheckReady(); status != "ok" {
		t.Errorf("CheckReady: ожидалось ok, получено %s (%s)", status, msg)
	}
}
