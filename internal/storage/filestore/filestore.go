// Пакет filestore — хранение вложений на локальном диске.
// Обеспечивает streaming-запись с подсчётом SHA-256 на лету,
// чтение и удаление файлов.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/bigkaa/goartstore/answer-module/internal/storage"
)

// FileStore — управление файлами вложений на диске.
type FileStore struct {
	// dataDir — корневая директория хранения файлов (AN_DATA_DIR)
	dataDir string
}

// New создаёт новый FileStore. Проверяет и создаёт директорию
// если она не существует.
func New(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}

	return &FileStore{dataDir: dataDir}, nil
}

// Kind возвращает тип бэкенда.
func (fs *FileStore) Kind() string {
	return "disk"
}

// Put записывает данные из reader на диск с подсчётом SHA-256 на лету.
//
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
// При ошибке temp файл удаляется. Существующий файл не перезаписывается.
func (fs *FileStore) Put(ctx context.Context, name string, r io.Reader, _ int64, _ string) (*storage.PutResult, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %q", err, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath := filepath.Join(fs.dataDir, name)
	tmpPath := fullPath + ".tmp"

	// O_EXCL: имя уникально, повторная запись означает ошибку генерации имени
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	// Streaming запись с одновременным подсчётом SHA-256
	hasher := sha256.New()
	tee := io.TeeReader(contextReader{ctx: ctx, r: r}, hasher)

	size, err := io.Copy(f, tee)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if _, err := os.Stat(fullPath); err == nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("файл %s уже существует", name)
	}

	// Атомарный rename
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &storage.PutResult{
		Name:     name,
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Open открывает файл для чтения.
// Вызывающий код обязан закрыть ReadCloser.
func (fs *FileStore) Open(_ context.Context, name string) (io.ReadCloser, *storage.ObjectInfo, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, nil, storage.ErrNotFound
	}

	f, err := os.Open(filepath.Join(fs.dataDir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, storage.ErrNotFound
		}
		return nil, nil, fmt.Errorf("ошибка открытия файла %s: %w", name, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("ошибка получения информации о файле %s: %w", name, err)
	}

	return f, &storage.ObjectInfo{
		Size:        info.Size(),
		ContentType: mime.TypeByExtension(filepath.Ext(name)),
		ModTime:     info.ModTime(),
	}, nil
}

// Delete удаляет файл с диска.
// Возвращает nil если файл уже не существует.
func (fs *FileStore) Delete(_ context.Context, name string) error {
	if err := storage.ValidateName(name); err != nil {
		return fmt.Errorf("%w: %q", err, name)
	}

	err := os.Remove(filepath.Join(fs.dataDir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка удаления файла %s: %w", name, err)
	}
	return nil
}

// Exists проверяет существование файла на диске.
func (fs *FileStore) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(fs.dataDir, name))
	return err == nil
}

// DataDir возвращает путь к директории данных.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

// contextReader прерывает копирование при отмене контекста.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
