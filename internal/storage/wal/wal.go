package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotPending — пакет уже переведён в committed или rolled_back.
var ErrNotPending = errors.New("пакет журнала уже завершён")

// WAL — журнал пакетов вложений в AN_WAL_DIR.
//
// Жизненный цикл пакета: Begin фиксирует pending-запись с именами всех
// объектов до первой записи в хранилище; Commit вызывается после
// сохранения ответа; Rollback вызывается после удаления объектов.
// Pending-запись, пережившая процесс, означает осиротевшие объекты.
type WAL struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

// New открывает журнал в dir, создавая директорию при необходимости.
func New(dir string, logger *slog.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию WAL %s: %w", dir, err)
	}

	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("директория WAL %s недоступна для записи: %w", dir, err)
	}
	probe.Close()
	os.Remove(probe.Name())

	return &WAL{
		dir:    dir,
		logger: logger.With(slog.String("component", "wal")),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Begin регистрирует пакет объектов backend ("disk" или "s3") в статусе pending.
func (w *WAL) Begin(backend string, objects []string) (*Entry, error) {
	entry := &Entry{
		TransactionID: uuid.NewString(),
		Status:        StatusPending,
		Backend:       backend,
		Objects:       append([]string(nil), objects...),
		StartedAt:     w.now(),
	}

	w.mu.Lock()
	err := w.save(entry)
	w.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("не удалось создать WAL-запись: %w", err)
	}

	w.logger.Debug("Пакет вложений зарегистрирован",
		slog.String("tx_id", entry.TransactionID),
		slog.String("backend", backend),
		slog.Int("objects", len(objects)),
	)
	return entry, nil
}

// Commit отмечает, что объекты пакета принадлежат сохранённому ответу.
func (w *WAL) Commit(txID string) error {
	return w.transition(txID, StatusCommitted)
}

// Rollback отмечает, что объекты пакета удалены.
func (w *WAL) Rollback(txID string) error {
	return w.transition(txID, StatusRolledBack)
}

func (w *WAL) transition(txID string, to TransactionStatus) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, err := w.load(w.pathOf(txID))
	if err != nil {
		return fmt.Errorf("не удалось прочитать WAL-запись %s: %w", txID, err)
	}
	if entry.Status != StatusPending {
		return fmt.Errorf("WAL-запись %s имеет статус %s: %w", txID, entry.Status, ErrNotPending)
	}

	completed := w.now()
	entry.Status = to
	entry.CompletedAt = &completed
	if err := w.save(entry); err != nil {
		return fmt.Errorf("не удалось обновить WAL-запись %s: %w", txID, err)
	}

	w.logger.Debug("Пакет вложений завершён",
		slog.String("tx_id", txID),
		slog.String("status", string(to)),
		slog.Duration("duration", completed.Sub(entry.StartedAt)),
	)
	return nil
}

// Pending возвращает незавершённые пакеты: при старте сервиса
// и в каждом проходе сборщика журнала.
func (w *WAL) Pending() ([]*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var pending []*Entry
	err := w.each(func(_ string, entry *Entry) {
		if entry.Status == StatusPending {
			pending = append(pending, entry)
		}
	})
	return pending, err
}

// Get читает запись пакета.
func (w *WAL) Get(txID string) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.load(w.pathOf(txID))
}

// CleanFinished удаляет записи committed и rolled_back и возвращает их число.
func (w *WAL) CleanFinished() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	err := w.each(func(path string, entry *Entry) {
		if entry.Status == StatusPending {
			return
		}
		if err := os.Remove(path); err != nil {
			w.logger.Warn("Не удалось удалить завершённую WAL-запись",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			return
		}
		removed++
	})

	if removed > 0 {
		w.logger.Info("Завершённые WAL-записи удалены", slog.Int("removed", removed))
	}
	return removed, err
}

// Dir возвращает путь к директории журнала.
func (w *WAL) Dir() string {
	return w.dir
}

func (w *WAL) pathOf(txID string) string {
	return filepath.Join(w.dir, walFileName(txID))
}

// each вызывает fn для каждой читаемой записи. Вызывается под w.mu.
func (w *WAL) each(fn func(path string, entry *Entry)) error {
	dirEntries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("не удалось прочитать директорию WAL: %w", err)
	}

	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), walSuffix) {
			continue
		}
		path := filepath.Join(w.dir, de.Name())
		entry, err := w.load(path)
		if err != nil {
			w.logger.Warn("Повреждённая WAL-запись пропущена",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		fn(path, entry)
	}
	return nil
}

// save записывает entry через временный файл в той же директории,
// fsync и rename, так что читатель видит либо старую, либо новую версию.
func (w *WAL) save(entry *Entry) (err error) {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	tmp, err := os.CreateTemp(w.dir, ".entry-*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("ошибка записи: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err = os.Rename(tmp.Name(), w.pathOf(entry.TransactionID)); err != nil {
		return fmt.Errorf("ошибка переименования: %w", err)
	}
	return nil
}

func (w *WAL) load(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("ошибка десериализации: %w", err)
	}
	return &entry, nil
}
