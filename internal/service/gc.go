// gc.go — фоновая очистка журнала вложений.
//
// Каждый запуск:
//  1. Откатывает pending-пакеты старше staleAfter (удаляет их объекты)
//  2. Удаляет завершённые записи журнала
//
// Запускается как горутина с периодическим тикером (AN_WAL_GC_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики GC журнала.
var (
	gcRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "an_journal_gc_runs_total",
		Help: "Общее количество запусков GC журнала вложений",
	})
	gcRolledBackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "an_journal_gc_rolled_back_total",
		Help: "Количество pending-пакетов, откаченных GC",
	})
	gcDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "an_journal_gc_duration_seconds",
		Help:    "Длительность выполнения GC журнала в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// JournalStore — операции хранилища вложений, нужные GC.
type JournalStore interface {
	RollbackPending(ctx context.Context, olderThan time.Duration) (int, error)
	CleanJournal() (int, error)
}

// GCResult — результат одного запуска GC.
type GCResult struct {
	// RolledBack — количество откаченных pending-пакетов
	RolledBack int
	// Cleaned — количество удалённых завершённых записей
	Cleaned int
	// Errors — количество ошибок
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// JournalGC — фоновая очистка журнала вложений.
type JournalGC struct {
	store      JournalStore
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJournalGC создаёт GC журнала.
// staleAfter — возраст pending-пакета, после которого он считается брошенным.
func NewJournalGC(store JournalStore, interval, staleAfter time.Duration, logger *slog.Logger) *JournalGC {
	return &JournalGC{
		store:      store,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger.With(slog.String("component", "journal_gc")),
	}
}

// Start запускает фоновую горутину GC.
func (gc *JournalGC) Start(ctx context.Context) {
	gcCtx, cancel := context.WithCancel(ctx)
	gc.cancel = cancel
	gc.done = make(chan struct{})

	go gc.run(gcCtx)

	gc.logger.Info("GC журнала запущен",
		slog.String("interval", gc.interval.String()),
		slog.String("stale_after", gc.staleAfter.String()),
	)
}

// Stop останавливает GC и ждёт завершения текущего запуска.
func (gc *JournalGC) Stop() {
	if gc.cancel == nil {
		return
	}
	gc.cancel()
	<-gc.done
	gc.logger.Info("GC журнала остановлен")
}

func (gc *JournalGC) run(ctx context.Context) {
	defer close(gc.done)

	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл GC.
func (gc *JournalGC) RunOnce(ctx context.Context) *GCResult {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	start := time.Now()
	result := &GCResult{}

	rolled, err := gc.store.RollbackPending(ctx, gc.staleAfter)
	if err != nil {
		gc.logger.Error("GC: ошибка отката pending-пакетов", slog.String("error", err.Error()))
		result.Errors++
	}
	result.RolledBack = rolled

	cleaned, err := gc.store.CleanJournal()
	if err != nil {
		gc.logger.Error("GC: ошибка очистки журнала", slog.String("error", err.Error()))
		result.Errors++
	}
	result.Cleaned = cleaned

	result.Duration = time.Since(start)

	gcRunsTotal.Inc()
	gcRolledBackTotal.Add(float64(rolled))
	gcDurationSeconds.Observe(result.Duration.Seconds())

	level := slog.LevelDebug
	if result.RolledBack > 0 || result.Errors > 0 {
		level = slog.LevelInfo
	}
	gc.logger.Log(ctx, level, "GC журнала завершён",
		slog.Int("rolled_back", result.RolledBack),
		slog.Int("cleaned", result.Cleaned),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}
