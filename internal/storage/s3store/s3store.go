// Пакет s3store — хранение вложений в S3-совместимом хранилище (MinIO, AWS S3).
package s3store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bigkaa/goartstore/answer-module/internal/storage"
)

// metaChecksum — ключ пользовательских метаданных с SHA-256 содержимого.
const metaChecksum = "sha256"

// Config — параметры подключения к S3.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// Prefix — префикс ключей объектов (без завершающего "/")
	Prefix string
	// PathStyle — адресация bucket в пути (обязательно для MinIO)
	PathStyle bool
	// HTTPClient — HTTP-клиент SDK (опционально)
	HTTPClient *http.Client
}

// Store — бэкенд хранения вложений в S3.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// New создаёт клиент S3 со статическими учётными данными.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации S3: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = cfg.PathStyle
		// Не через config.WithHTTPClient: при AWS_CA_BUNDLE он требует BuildableClient
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
		// MinIO и большинство совместимых хранилищ не требуют checksum в каждом запросе
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Kind возвращает тип бэкенда.
func (s *Store) Kind() string {
	return "s3"
}

// Put загружает объект в bucket. SHA-256 считается до загрузки и
// сохраняется в пользовательских метаданных объекта.
// Неперематываемый reader буферизуется в памяти.
func (s *Store) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (*storage.PutResult, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %q", err, name)
	}

	body, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения данных: %w", err)
		}
		body = bytes.NewReader(data)
	}

	hasher := sha256.New()
	n, err := io.Copy(hasher, body)
	if err != nil {
		return nil, fmt.Errorf("ошибка вычисления checksum: %w", err)
	}
	if size >= 0 && n != size {
		return nil, fmt.Errorf("размер данных %d не совпадает с заявленным %d", n, size)
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("ошибка перемотки данных: %w", err)
	}
	checksum := hex.EncodeToString(hasher.Sum(nil))

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(name)),
		Body:          body,
		ContentLength: aws.Int64(n),
		Metadata:      map[string]string{metaChecksum: checksum},
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		// Загрузка может завершиться на стороне S3 даже при ошибке клиента
		_ = s.Delete(context.WithoutCancel(ctx), name)
		return nil, fmt.Errorf("ошибка загрузки объекта %s: %w", name, err)
	}

	return &storage.PutResult{Name: name, Size: n, Checksum: checksum}, nil
}

// Open читает объект из bucket.
func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, *storage.ObjectInfo, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, nil, storage.ErrNotFound
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, storage.ErrNotFound
		}
		return nil, nil, fmt.Errorf("ошибка чтения объекта %s: %w", name, err)
	}

	info := &storage.ObjectInfo{
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
	}
	if out.LastModified != nil {
		info.ModTime = *out.LastModified
	}
	return out.Body, info, nil
}

// Delete удаляет объект. S3 не возвращает ошибку для отсутствующего ключа.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := storage.ValidateName(name); err != nil {
		return fmt.Errorf("%w: %q", err, name)
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("ошибка удаления объекта %s: %w", name, err)
	}
	return nil
}

// key возвращает ключ объекта с учётом префикса.
func (s *Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// isNotFound определяет ответ «объект не найден» по типу ошибки или HTTP-статусу.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		return status.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}
