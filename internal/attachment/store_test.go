package attachment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
	"github.com/bigkaa/goartstore/answer-module/internal/storage"
	"github.com/bigkaa/goartstore/answer-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/answer-module/internal/storage/wal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockBackend — мок storage.Backend с подменяемым Put.
// Хранит записанные объекты в памяти.
type mockBackend struct {
	mu       sync.Mutex
	objects  map[string][]byte
	putFn    func(name string, call int) error
	deleteFn func(name string) error
	puts     int
}

func newMockBackend() *mockBackend {
	return &mockBackend{objects: make(map[string][]byte)}
}

func (m *mockBackend) Kind() string { return "mock" }

func (m *mockBackend) Put(_ context.Context, name string, r io.Reader, _ int64, _ string) (*storage.PutResult, error) {
	m.mu.Lock()
	m.puts++
	call := m.puts
	m.mu.Unlock()

	if m.putFn != nil {
		if err := m.putFn(name, call); err != nil {
			return nil, err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.objects[name] = data
	m.mu.Unlock()
	return &storage.PutResult{Name: name, Size: int64(len(data)), Checksum: "sum"}, nil
}

func (m *mockBackend) Delete(_ context.Context, name string) error {
	if m.deleteFn != nil {
		if err := m.deleteFn(name); err != nil {
			return err
		}
	}
	m.mu.Lock()
	delete(m.objects, name)
	m.mu.Unlock()
	return nil
}

func (m *mockBackend) Open(_ context.Context, name string) (io.ReadCloser, *storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[name]
	if !ok {
		return nil, nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), &storage.ObjectInfo{Size: int64(len(data))}, nil
}

func (m *mockBackend) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// validated формирует ValidatedFile с содержимым в памяти.
func validated(index int, name, content string) model.ValidatedFile {
	return model.ValidatedFile{
		RawFile: model.RawFile{
			OriginalName:     name,
			DeclaredMIMEType: "image/png",
			Size:             int64(len(content)),
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(strings.NewReader(content)), nil
			},
		},
		Extension: Extension(name),
		MIMEType:  "image/png",
		Index:     index,
	}
}

func newTestJournal(t *testing.T) *wal.WAL {
	t.Helper()
	j, err := wal.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("ошибка создания журнала: %v", err)
	}
	return j
}

// TestCommit_Disk проверяет запись пакета на диск (сценарий E: два файла, разные имена).
func TestCommit_Disk(t *testing.T) {
	fs, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	journal := newTestJournal(t)
	store := NewStore(fs, journal, "/uploads/", testLogger())

	files := []model.ValidatedFile{
		validated(0, "first.png", "one"),
		validated(1, "second.png", "two-two"),
	}

	batch, err := store.Commit(context.Background(), files)
	if err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}
	if len(batch.Records) != 2 {
		t.Fatalf("ожидалось 2 записи, получено %d", len(batch.Records))
	}
	if batch.Records[0].StoredName == batch.Records[1].StoredName {
		t.Error("имена объектов должны различаться")
	}
	for i, rec := range batch.Records {
		if !strings.HasPrefix(rec.URL, "/uploads/") || !strings.HasSuffix(rec.URL, rec.StoredName) {
			t.Errorf("запись #%d: неожиданный URL %q", i, rec.URL)
		}
		if strings.Contains(rec.URL, fs.DataDir()) {
			t.Errorf("URL не должен содержать путь файловой системы: %q", rec.URL)
		}
		if rec.Checksum == "" || rec.Extension != "png" || rec.MIMEType != "image/png" {
			t.Errorf("запись #%d заполнена не полностью: %+v", i, rec)
		}
		if !fs.Exists(rec.StoredName) {
			t.Errorf("файл %s не найден на диске", rec.StoredName)
		}
	}
	if batch.Records[1].Size != 7 {
		t.Errorf("Size: ожидалось 7, получено %d", batch.Records[1].Size)
	}

	// До Seal пакет pending в журнале
	entry, err := journal.Get(batch.TxID)
	if err != nil || entry.Status != wal.StatusPending {
		t.Fatalf("ожидался pending-пакет: %v %v", entry, err)
	}

	if err := store.Seal(batch); err != nil {
		t.Fatalf("ошибка Seal: %v", err)
	}
	entry, _ = journal.Get(batch.TxID)
	if entry.Status != wal.StatusCommitted {
		t.Errorf("после Seal ожидался committed, получено %s", entry.Status)
	}

	// Discard после Seal ничего не удаляет
	if err := store.Discard(context.Background(), batch); err != nil {
		t.Fatalf("Discard после Seal: %v", err)
	}
	if !fs.Exists(batch.Records[0].StoredName) {
		t.Error("запечатанный пакет не должен удаляться")
	}
}

// TestCommit_NoFiles проверяет пакет без вложений.
func TestCommit_NoFiles(t *testing.T) {
	backend := newMockBackend()
	journal := newTestJournal(t)
	store := NewStore(backend, journal, "/uploads", testLogger())

	batch, err := store.Commit(context.Background(), nil)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if batch.TxID != "" || len(batch.Records) != 0 || batch.Records == nil {
		t.Errorf("ожидался пустой пакет без журнала: %+v", batch)
	}
	if err := store.Seal(batch); err != nil {
		t.Errorf("Seal пустого пакета: %v", err)
	}
	pending, _ := journal.Pending()
	if len(pending) != 0 {
		t.Errorf("журнал не должен содержать записей: %d", len(pending))
	}
}

// TestCommit_PartialFailureRollsBack проверяет «всё или ничего» при ошибке записи.
func TestCommit_PartialFailureRollsBack(t *testing.T) {
	backend := newMockBackend()
	backend.putFn = func(_ string, call int) error {
		if call == 3 {
			return errors.New("диск заполнен")
		}
		return nil
	}
	journal := newTestJournal(t)
	store := NewStore(backend, journal, "/uploads", testLogger())

	files := []model.ValidatedFile{
		validated(0, "a.png", "a"),
		validated(1, "b.png", "b"),
		validated(2, "c.png", "c"),
	}

	_, err := store.Commit(context.Background(), files)
	if !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("ожидалась ErrCommitFailed, получено %v", err)
	}
	if backend.count() != 0 {
		t.Errorf("после отката не должно остаться объектов, осталось %d", backend.count())
	}
	pending, _ := journal.Pending()
	if len(pending) != 0 {
		t.Errorf("пакет должен быть откачен в журнале, pending: %d", len(pending))
	}
}

// TestCommit_OpenFailure проверяет откат при ошибке открытия исходного файла.
func TestCommit_OpenFailure(t *testing.T) {
	backend := newMockBackend()
	store := NewStore(backend, newTestJournal(t), "/uploads", testLogger())

	bad := validated(1, "b.png", "b")
	bad.Open = func() (io.ReadCloser, error) { return nil, errors.New("multipart закрыт") }

	_, err := store.Commit(context.Background(), []model.ValidatedFile{validated(0, "a.png", "a"), bad})
	if !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("ожидалась ErrCommitFailed, получено %v", err)
	}
	if backend.count() != 0 {
		t.Errorf("осталось объектов: %d", backend.count())
	}
}

// TestCommit_CancelledContext проверяет откат и отмену при разрыве соединения.
func TestCommit_CancelledContext(t *testing.T) {
	fs, _ := filestore.New(t.TempDir())
	store := NewStore(fs, newTestJournal(t), "/uploads", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Commit(ctx, []model.ValidatedFile{validated(0, "a.png", "a")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидалась context.Canceled, получено %v", err)
	}
	entries, _ := os.ReadDir(fs.DataDir())
	if len(entries) != 0 {
		t.Errorf("в хранилище остались файлы: %d", len(entries))
	}
}

// TestDiscard_DeleteFailureKeepsPending проверяет, что неудачное удаление
// оставляет пакет pending для сборщика журнала.
func TestDiscard_DeleteFailureKeepsPending(t *testing.T) {
	backend := newMockBackend()
	journal := newTestJournal(t)
	store := NewStore(backend, journal, "/uploads", testLogger())

	batch, err := store.Commit(context.Background(), []model.ValidatedFile{validated(0, "a.png", "a")})
	if err != nil {
		t.Fatal(err)
	}

	backend.deleteFn = func(string) error { return errors.New("хранилище недоступно") }
	if err := store.Discard(context.Background(), batch); err == nil {
		t.Fatal("ожидалась ошибка удаления")
	}
	pending, _ := journal.Pending()
	if len(pending) != 1 {
		t.Fatalf("ожидался 1 pending-пакет, получено %d", len(pending))
	}

	// Сборщик журнала откатывает пакет, когда хранилище снова доступно
	backend.deleteFn = nil
	rolled, err := store.RollbackPending(context.Background(), 0)
	if err != nil || rolled != 1 {
		t.Fatalf("RollbackPending: %d, %v", rolled, err)
	}
	if backend.count() != 0 {
		t.Errorf("осталось объектов: %d", backend.count())
	}
}

// TestRollbackPending_Stale проверяет откат только устаревших пакетов.
func TestRollbackPending_Stale(t *testing.T) {
	backend := newMockBackend()
	journal := newTestJournal(t)
	store := NewStore(backend, journal, "/uploads", testLogger())

	fresh, err := store.Commit(context.Background(), []model.ValidatedFile{validated(0, "a.png", "a")})
	if err != nil {
		t.Fatal(err)
	}

	// Пакет моложе часа не трогается
	rolled, err := store.RollbackPending(context.Background(), time.Hour)
	if err != nil || rolled != 0 {
		t.Fatalf("свежий пакет не должен откатываться: %d, %v", rolled, err)
	}

	// Через два часа пакет считается осиротевшим
	store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	rolled, err = store.RollbackPending(context.Background(), time.Hour)
	if err != nil || rolled != 1 {
		t.Fatalf("ожидался откат 1 пакета: %d, %v", rolled, err)
	}
	if _, _, err := store.Open(context.Background(), fresh.Records[0].StoredName); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("объект откаченного пакета должен быть удалён: %v", err)
	}

	cleaned, err := store.CleanJournal()
	if err != nil || cleaned != 1 {
		t.Errorf("CleanJournal: %d, %v", cleaned, err)
	}
}

// TestRollbackPending_OtherBackendSkipped проверяет пропуск пакетов другого бэкенда.
func TestRollbackPending_OtherBackendSkipped(t *testing.T) {
	journal := newTestJournal(t)
	if _, err := journal.Begin("s3", []string{"x.png"}); err != nil {
		t.Fatal(err)
	}
	store := NewStore(newMockBackend(), journal, "/uploads", testLogger())

	rolled, err := store.RollbackPending(context.Background(), 0)
	if err != nil || rolled != 0 {
		t.Errorf("пакет другого бэкенда не должен откатываться: %d, %v", rolled, err)
	}
}

// refsFunc — ReferenceChecker из функции.
type refsFunc func(storedName string) (bool, error)

func (f refsFunc) AttachmentReferenced(_ context.Context, storedName string) (bool, error) {
	return f(storedName)
}

// TestRollbackPending_OwnedBatchSealed проверяет, что pending-пакет уже
// сохранённого ответа фиксируется, а его объекты остаются на месте.
func TestRollbackPending_OwnedBatchSealed(t *testing.T) {
	backend := newMockBackend()
	journal := newTestJournal(t)
	store := NewStore(backend, journal, "/uploads", testLogger())

	owned, err := store.Commit(context.Background(), []model.ValidatedFile{
		validated(0, "a.png", "a"),
		validated(1, "b.png", "b"),
	})
	if err != nil {
		t.Fatal(err)
	}
	orphan, err := store.Commit(context.Background(), []model.ValidatedFile{validated(0, "c.png", "c")})
	if err != nil {
		t.Fatal(err)
	}

	ownedName := owned.Records[0].StoredName
	store.SetReferenceChecker(refsFunc(func(name string) (bool, error) {
		return name == ownedName, nil
	}))

	rolled, err := store.RollbackPending(context.Background(), 0)
	if err != nil || rolled != 1 {
		t.Fatalf("ожидался откат только осиротевшего пакета: %d, %v", rolled, err)
	}
	if backend.count() != 2 {
		t.Errorf("объекты сохранённого ответа должны остаться: %d", backend.count())
	}
	entry, err := journal.Get(owned.TxID)
	if err != nil || entry.Status != wal.StatusCommitted {
		t.Errorf("пакет ответа должен быть зафиксирован: %+v, %v", entry, err)
	}
	entry, err = journal.Get(orphan.TxID)
	if err != nil || entry.Status != wal.StatusRolledBack {
		t.Errorf("осиротевший пакет должен быть откачен: %+v, %v", entry, err)
	}
}

// TestRollbackPending_CheckerErrorKeepsPending проверяет, что при недоступности
// репозитория пакет не трогается до следующего прохода.
func TestRollbackPending_CheckerErrorKeepsPending(t *testing.T) {
	backend := newMockBackend()
	journal := newTestJournal(t)
	store := NewStore(backend, journal, "/uploads", testLogger())

	if _, err := store.Commit(context.Background(), []model.ValidatedFile{validated(0, "a.png", "a")}); err != nil {
		t.Fatal(err)
	}
	store.SetReferenceChecker(refsFunc(func(string) (bool, error) {
		return false, errors.New("postgres недоступен")
	}))

	rolled, err := store.RollbackPending(context.Background(), 0)
	if err != nil || rolled != 0 {
		t.Fatalf("пакет не должен откатываться без проверки владельца: %d, %v", rolled, err)
	}
	if backend.count() != 1 {
		t.Errorf("объект должен остаться: %d", backend.count())
	}
	pending, _ := journal.Pending()
	if len(pending) != 1 {
		t.Errorf("пакет должен остаться pending: %d", len(pending))
	}
}
