package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
	"github.com/bigkaa/goartstore/answer-module/internal/storage"
	"github.com/bigkaa/goartstore/answer-module/internal/storage/wal"
)

// Prometheus-метрики хранилища вложений.
var (
	attachmentsStoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "an_attachments_stored_total",
		Help: "Количество вложений, записанных в хранилище.",
	}, []string{"backend"})
	attachmentBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "an_attachment_bytes_total",
		Help: "Объём данных вложений, записанных в хранилище (байты).",
	}, []string{"backend"})
	attachmentsDiscardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "an_attachments_discarded_total",
		Help: "Количество вложений, удалённых при откате пакета.",
	}, []string{"backend"})
)

// ErrCommitFailed — не удалось записать пакет вложений.
var ErrCommitFailed = errors.New("ошибка записи вложений")

// Batch — пакет вложений одной заявки.
// До Seal пакет можно откатить через Discard.
type Batch struct {
	// TxID — идентификатор записи журнала (пусто для пакета без файлов)
	TxID string
	// Records — описания сохранённых вложений в порядке файлов заявки
	Records []model.AttachmentRecord
	// objects — имена всех объектов пакета, включая незаписанные
	objects []string
	done    bool
}

// ReferenceChecker сообщает, сохранён ли ответ с указанным вложением.
// Реализуется репозиторием ответов.
type ReferenceChecker interface {
	AttachmentReferenced(ctx context.Context, storedName string) (bool, error)
}

// Store — сохранение вложений в хранилище с журналированием пакетов.
type Store struct {
	backend   storage.Backend
	journal   *wal.WAL
	refs      ReferenceChecker
	urlPrefix string
	logger    *slog.Logger
	now       func() time.Time
}

// NewStore создаёт хранилище вложений.
// urlPrefix — публичный префикс URL вложений (например, /uploads).
func NewStore(backend storage.Backend, journal *wal.WAL, urlPrefix string, logger *slog.Logger) *Store {
	return &Store{
		backend:   backend,
		journal:   journal,
		urlPrefix: "/" + strings.Trim(urlPrefix, "/"),
		logger:    logger.With(slog.String("component", "attachment_store")),
		now:       time.Now,
	}
}

// SetReferenceChecker подключает проверку владения для RollbackPending.
// Pending-пакет, объекты которого уже принадлежат сохранённому ответу
// (процесс упал или Seal не удался после сохранения), фиксируется, а не удаляется.
func (s *Store) SetReferenceChecker(rc ReferenceChecker) {
	s.refs = rc
}

// Backend возвращает бэкенд хранения.
func (s *Store) Backend() storage.Backend {
	return s.backend
}

// URLFor возвращает публичный URL объекта.
func (s *Store) URLFor(storedName string) string {
	return s.urlPrefix + "/" + storedName
}

// Commit записывает все файлы пакета. Всё или ничего: при ошибке любого
// файла уже записанные объекты удаляются до возврата ошибки.
//
// Имена объектов генерируются заранее и фиксируются в журнале до записи,
// поэтому сбой процесса посреди пакета не оставляет неучтённых объектов.
func (s *Store) Commit(ctx context.Context, files []model.ValidatedFile) (*Batch, error) {
	if len(files) == 0 {
		return &Batch{Records: []model.AttachmentRecord{}}, nil
	}

	now := s.now()
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = storage.GenerateName(f.OriginalName, f.Extension, now)
	}

	entry, err := s.journal.Begin(s.backend.Kind(), names)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}

	batch := &Batch{
		TxID:    entry.TransactionID,
		Records: make([]model.AttachmentRecord, 0, len(files)),
		objects: names,
	}

	for i, f := range files {
		rec, err := s.put(ctx, names[i], f)
		if err != nil {
			s.logger.Warn("Ошибка записи вложения, откат пакета",
				slog.String("tx_id", batch.TxID),
				slog.Int("index", f.Index),
				slog.String("error", err.Error()),
			)
			if derr := s.Discard(ctx, batch); derr != nil {
				s.logger.Error("Не удалось откатить пакет вложений",
					slog.String("tx_id", batch.TxID),
					slog.String("error", derr.Error()),
				)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w: %w", ErrCommitFailed, ctxErr)
			}
			return nil, fmt.Errorf("%w: файл #%d: %w", ErrCommitFailed, f.Index, err)
		}
		batch.Records = append(batch.Records, *rec)
	}

	s.logger.Debug("Пакет вложений записан",
		slog.String("tx_id", batch.TxID),
		slog.Int("files", len(batch.Records)),
	)

	return batch, nil
}

// put записывает один файл и формирует его описание.
func (s *Store) put(ctx context.Context, name string, f model.ValidatedFile) (*model.AttachmentRecord, error) {
	if f.Open == nil {
		return nil, errors.New("источник данных файла не задан")
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия файла: %w", err)
	}
	defer rc.Close()

	res, err := s.backend.Put(ctx, name, rc, f.Size, f.MIMEType)
	if err != nil {
		return nil, err
	}

	attachmentsStoredTotal.WithLabelValues(s.backend.Kind()).Inc()
	attachmentBytesTotal.WithLabelValues(s.backend.Kind()).Add(float64(res.Size))

	return &model.AttachmentRecord{
		StoredName:   name,
		OriginalName: f.OriginalName,
		MIMEType:     f.MIMEType,
		Extension:    f.Extension,
		Size:         res.Size,
		URL:          s.URLFor(name),
		Checksum:     res.Checksum,
	}, nil
}

// Discard удаляет все объекты пакета и откатывает запись журнала.
// Удаление выполняется даже при отменённом контексте запроса.
// Если объект удалить не удалось, запись журнала остаётся pending
// и будет обработана сборщиком журнала.
func (s *Store) Discard(ctx context.Context, b *Batch) error {
	if b == nil || b.done || b.TxID == "" {
		return nil
	}

	if err := s.deleteObjects(context.WithoutCancel(ctx), b.objects); err != nil {
		return err
	}
	if err := s.journal.Rollback(b.TxID); err != nil {
		return fmt.Errorf("ошибка отката журнала: %w", err)
	}
	b.done = true
	return nil
}

// Seal фиксирует пакет после сохранения ответа.
// После Seal объекты принадлежат ответу и не удаляются при восстановлении.
func (s *Store) Seal(b *Batch) error {
	if b == nil || b.done || b.TxID == "" {
		return nil
	}
	if err := s.journal.Commit(b.TxID); err != nil {
		return fmt.Errorf("ошибка фиксации журнала: %w", err)
	}
	b.done = true
	return nil
}

// Open открывает сохранённое вложение для чтения.
func (s *Store) Open(ctx context.Context, storedName string) (io.ReadCloser, *storage.ObjectInfo, error) {
	return s.backend.Open(ctx, storedName)
}

// RollbackPending откатывает pending-пакеты журнала, начатые раньше olderThan
// назад от текущего момента. olderThan = 0 откатывает все pending-пакеты
// (восстановление при старте). Возвращает количество откаченных пакетов.
func (s *Store) RollbackPending(ctx context.Context, olderThan time.Duration) (int, error) {
	pending, err := s.journal.Pending()
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-olderThan)
	rolled := 0
	for _, entry := range pending {
		if olderThan > 0 && entry.StartedAt.After(cutoff) {
			continue
		}
		if entry.Backend != s.backend.Kind() {
			s.logger.Warn("Pending-пакет журнала относится к другому бэкенду, пропущен",
				slog.String("tx_id", entry.TransactionID),
				slog.String("backend", entry.Backend),
			)
			continue
		}

		owned, err := s.ownedByAnswer(ctx, entry)
		if err != nil {
			s.logger.Error("Не удалось проверить владельца pending-пакета",
				slog.String("tx_id", entry.TransactionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if owned {
			if err := s.journal.Commit(entry.TransactionID); err != nil && !errors.Is(err, wal.ErrNotPending) {
				s.logger.Error("Не удалось зафиксировать pending-пакет",
					slog.String("tx_id", entry.TransactionID),
					slog.String("error", err.Error()),
				)
				continue
			}
			s.logger.Info("Pending-пакет принадлежит сохранённому ответу, зафиксирован",
				slog.String("tx_id", entry.TransactionID),
			)
			continue
		}

		if err := s.deleteObjects(ctx, entry.Objects); err != nil {
			s.logger.Error("Не удалось удалить объекты pending-пакета",
				slog.String("tx_id", entry.TransactionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := s.journal.Rollback(entry.TransactionID); err != nil && !errors.Is(err, wal.ErrNotPending) {
			s.logger.Error("Не удалось откатить pending-пакет",
				slog.String("tx_id", entry.TransactionID),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.logger.Warn("Pending-пакет вложений откачен",
			slog.String("tx_id", entry.TransactionID),
			slog.Int("objects", len(entry.Objects)),
			slog.Time("started_at", entry.StartedAt),
		)
		rolled++
	}

	return rolled, nil
}

// ownedByAnswer проверяет первый объект пакета: все объекты пакета
// сохраняются в одном ответе.
func (s *Store) ownedByAnswer(ctx context.Context, entry *wal.Entry) (bool, error) {
	if s.refs == nil || len(entry.Objects) == 0 {
		return false, nil
	}
	return s.refs.AttachmentReferenced(ctx, entry.Objects[0])
}

// CleanJournal удаляет завершённые записи журнала.
func (s *Store) CleanJournal() (int, error) {
	return s.journal.CleanFinished()
}

// deleteObjects удаляет объекты, продолжая при ошибках; возвращает первую ошибку.
func (s *Store) deleteObjects(ctx context.Context, names []string) error {
	var firstErr error
	for _, name := range names {
		if err := s.backend.Delete(ctx, name); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		attachmentsDiscardedTotal.WithLabelValues(s.backend.Kind()).Inc()
	}
	return firstErr
}
