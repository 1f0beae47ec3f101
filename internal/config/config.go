// Пакет config — загрузка и валидация конфигурации Answer Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Бэкенды хранения вложений.
const (
	StorageBackendDisk = "disk"
	StorageBackendS3   = "s3"
)

// Бэкенды журнала нарушений (strike ledger).
const (
	StrikeBackendPostgres = "postgres"
	StrikeBackendMemory   = "memory"
)

// DefaultAllowedExtensions — расширения вложений, допустимые по умолчанию.
var DefaultAllowedExtensions = []string{
	"jpeg", "jpg", "png", "gif", "pdf", "doc", "docx", "mp4", "webm", "ogg",
}

// Config содержит все параметры конфигурации Answer Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8030-8039)
	Port int
	// Имя вершины графа для topologymetrics
	ServiceID string
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Путь к TLS сертификату (опционально, без него — HTTP)
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string
	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string
	// Максимум соединений пула. Блокировки журнала нарушений держат
	// соединение на время транзакции.
	DBMaxConns int

	// --- JWT ---

	// URL JWKS endpoint Identity Provider
	JWKSUrl string
	// Путь к CA-сертификату для JWKS endpoint (опционально)
	JWKSCACert string
	// Пропускать проверку TLS-сертификатов JWKS
	TLSSkipVerify bool
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение часов при проверке exp/nbf
	JWTLeeway time.Duration

	// --- Хранилище вложений ---

	// disk или s3
	StorageBackend string
	// Директория файлов вложений (disk)
	DataDir string
	// Директория журнала коммитов вложений
	WALDir string
	// Публичный префикс URL вложений
	AttachmentURLPrefix string
	S3Endpoint          string
	S3Region            string
	S3Bucket            string
	S3AccessKey         string
	S3SecretKey         string
	S3Prefix            string
	S3PathStyle         bool

	// --- Политика загрузки ---

	AllowedExtensions []string
	// MIME-типы, допустимые сверх списка расширений
	ExtraMIMETypes []string
	// Требовать совпадения и расширения, и MIME-типа
	RequireMIMEMatch bool
	// Максимальный размер одного файла в байтах
	MaxFileSize int64
	// Максимальное количество файлов в одном ответе
	MaxFiles int
	// Максимальная длина текста ответа в символах
	MaxBodyLength int

	// --- Нарушения и блокировки ---

	StrikeBackend string
	// Количество нарушений в окне, после которого пользователь блокируется
	StrikeThreshold int
	// Скользящее окно подсчёта нарушений
	StrikeWindow time.Duration
	// Длительность блокировки
	SuspensionDuration time.Duration

	// --- Модерация ---

	ModerationTimeout time.Duration
	// Путь к YAML-файлу правил (пусто — встроенные правила)
	ModerationRulesPath string
	// URL внешнего классификатора (опционально)
	ModerationURL string

	// --- Кэши ---

	IdempotencyCacheSize int
	IdempotencyTTL       time.Duration
	AnswerCacheSize      int
	AnswerCacheTTL       time.Duration

	// --- Фоновые процессы ---

	// Интервал очистки журнала коммитов
	WALGCInterval time.Duration
	// Возраст pending-записи журнала, после которого она откатывается
	WALStaleAfter time.Duration
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// AN_PORT — порт HTTP-сервера (по умолчанию 8030)
	cfg.Port, err = getEnvInt("AN_PORT", 8030)
	if err != nil {
		return nil, fmt.Errorf("AN_PORT: %w", err)
	}
	if cfg.Port < 8030 || cfg.Port > 8039 {
		return nil, fmt.Errorf("AN_PORT: значение %d вне допустимого диапазона 8030-8039", cfg.Port)
	}

	cfg.ServiceID = getEnvDefault("AN_SERVICE_ID", "answer-module")

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("AN_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("AN_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("AN_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("AN_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// TLS опционален, но сертификат и ключ задаются только парой
	cfg.TLSCert = getEnvDefault("AN_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("AN_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("AN_TLS_CERT и AN_TLS_KEY должны задаваться вместе")
	}

	if cfg.HTTPReadTimeout, err = getEnvDuration("AN_HTTP_READ_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("AN_HTTP_READ_TIMEOUT: %w", err)
	}
	if cfg.HTTPWriteTimeout, err = getEnvDuration("AN_HTTP_WRITE_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("AN_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("AN_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("AN_HTTP_IDLE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("AN_SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, fmt.Errorf("AN_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	cfg.DBHost = getEnvDefault("AN_DB_HOST", "localhost")
	if cfg.DBPort, err = getEnvInt("AN_DB_PORT", 5432); err != nil {
		return nil, fmt.Errorf("AN_DB_PORT: %w", err)
	}
	cfg.DBName = getEnvDefault("AN_DB_NAME", "answers")
	cfg.DBUser = getEnvDefault("AN_DB_USER", "answers")
	// AN_DB_PASSWORD — обязательный
	if cfg.DBPassword, err = getEnvRequired("AN_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("AN_DB_SSL_MODE", "disable")
	switch cfg.DBSSLMode {
	case "disable", "require", "verify-ca", "verify-full":
	default:
		return nil, fmt.Errorf("AN_DB_SSL_MODE: недопустимое значение %q", cfg.DBSSLMode)
	}
	if cfg.DBMaxConns, err = getEnvInt("AN_DB_MAX_CONNS", 10); err != nil {
		return nil, fmt.Errorf("AN_DB_MAX_CONNS: %w", err)
	}
	if cfg.DBMaxConns < 1 {
		return nil, fmt.Errorf("AN_DB_MAX_CONNS: должно быть >= 1, получено %d", cfg.DBMaxConns)
	}

	// --- JWT ---

	// AN_JWKS_URL — обязательный
	if cfg.JWKSUrl, err = getEnvRequired("AN_JWKS_URL"); err != nil {
		return nil, err
	}
	cfg.JWKSCACert = getEnvDefault("AN_JWKS_CA_CERT", "")
	if cfg.TLSSkipVerify, err = getEnvBool("AN_TLS_SKIP_VERIFY", false); err != nil {
		return nil, fmt.Errorf("AN_TLS_SKIP_VERIFY: %w", err)
	}
	if cfg.JWKSClientTimeout, err = getEnvDuration("AN_JWKS_CLIENT_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("AN_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	if cfg.JWKSRefreshInterval, err = getEnvDuration("AN_JWKS_REFRESH_INTERVAL", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("AN_JWKS_REFRESH_INTERVAL: %w", err)
	}
	if cfg.JWTLeeway, err = getEnvDuration("AN_JWT_LEEWAY", 5*time.Second); err != nil {
		return nil, fmt.Errorf("AN_JWT_LEEWAY: %w", err)
	}

	// --- Хранилище вложений ---

	cfg.StorageBackend = getEnvDefault("AN_STORAGE_BACKEND", StorageBackendDisk)
	switch cfg.StorageBackend {
	case StorageBackendDisk:
		if cfg.DataDir, err = getEnvRequired("AN_DATA_DIR"); err != nil {
			return nil, err
		}
	case StorageBackendS3:
		for key, dst := range map[string]*string{
			"AN_S3_ENDPOINT":   &cfg.S3Endpoint,
			"AN_S3_BUCKET":     &cfg.S3Bucket,
			"AN_S3_ACCESS_KEY": &cfg.S3AccessKey,
			"AN_S3_SECRET_KEY": &cfg.S3SecretKey,
		} {
			if *dst, err = getEnvRequired(key); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("AN_STORAGE_BACKEND: недопустимое значение %q, допустимые: disk, s3", cfg.StorageBackend)
	}
	cfg.S3Region = getEnvDefault("AN_S3_REGION", "us-east-1")
	cfg.S3Prefix = strings.Trim(getEnvDefault("AN_S3_PREFIX", "answers"), "/")
	if cfg.S3PathStyle, err = getEnvBool("AN_S3_PATH_STYLE", true); err != nil {
		return nil, fmt.Errorf("AN_S3_PATH_STYLE: %w", err)
	}

	if cfg.WALDir, err = getEnvRequired("AN_WAL_DIR"); err != nil {
		return nil, err
	}

	cfg.AttachmentURLPrefix = "/" + strings.Trim(getEnvDefault("AN_ATTACHMENT_URL_PREFIX", "/uploads"), "/")
	if cfg.AttachmentURLPrefix == "/" {
		return nil, fmt.Errorf("AN_ATTACHMENT_URL_PREFIX: префикс не может быть пустым")
	}

	// --- Политика загрузки ---

	cfg.AllowedExtensions = getEnvList("AN_ALLOWED_EXTENSIONS", DefaultAllowedExtensions)
	if len(cfg.AllowedExtensions) == 0 {
		return nil, fmt.Errorf("AN_ALLOWED_EXTENSIONS: список не может быть пустым")
	}
	cfg.ExtraMIMETypes = getEnvList("AN_EXTRA_MIME_TYPES", []string{"application/msword"})
	if cfg.RequireMIMEMatch, err = getEnvBool("AN_REQUIRE_MIME_MATCH", true); err != nil {
		return nil, fmt.Errorf("AN_REQUIRE_MIME_MATCH: %w", err)
	}

	// AN_MAX_FILE_SIZE — максимальный размер файла (по умолчанию 5 MiB)
	if cfg.MaxFileSize, err = getEnvInt64("AN_MAX_FILE_SIZE", 5*1024*1024); err != nil {
		return nil, fmt.Errorf("AN_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("AN_MAX_FILE_SIZE: значение должно быть положительным")
	}
	if cfg.MaxFiles, err = getEnvInt("AN_MAX_FILES", 10); err != nil {
		return nil, fmt.Errorf("AN_MAX_FILES: %w", err)
	}
	if cfg.MaxFiles <= 0 {
		return nil, fmt.Errorf("AN_MAX_FILES: значение должно быть положительным")
	}
	if cfg.MaxBodyLength, err = getEnvInt("AN_MAX_BODY_LENGTH", 20000); err != nil {
		return nil, fmt.Errorf("AN_MAX_BODY_LENGTH: %w", err)
	}

	// --- Нарушения ---

	cfg.StrikeBackend = getEnvDefault("AN_STRIKE_BACKEND", StrikeBackendPostgres)
	if cfg.StrikeBackend != StrikeBackendPostgres && cfg.StrikeBackend != StrikeBackendMemory {
		return nil, fmt.Errorf("AN_STRIKE_BACKEND: недопустимое значение %q, допустимые: postgres, memory", cfg.StrikeBackend)
	}
	if cfg.StrikeThreshold, err = getEnvInt("AN_STRIKE_THRESHOLD", 3); err != nil {
		return nil, fmt.Errorf("AN_STRIKE_THRESHOLD: %w", err)
	}
	if cfg.StrikeThreshold <= 0 {
		return nil, fmt.Errorf("AN_STRIKE_THRESHOLD: значение должно быть положительным")
	}
	if cfg.StrikeWindow, err = getEnvDuration("AN_STRIKE_WINDOW", 30*24*time.Hour); err != nil {
		return nil, fmt.Errorf("AN_STRIKE_WINDOW: %w", err)
	}
	if cfg.SuspensionDuration, err = getEnvDuration("AN_SUSPENSION_DURATION", 24*time.Hour); err != nil {
		return nil, fmt.Errorf("AN_SUSPENSION_DURATION: %w", err)
	}
	if cfg.StrikeWindow <= 0 || cfg.SuspensionDuration <= 0 {
		return nil, fmt.Errorf("AN_STRIKE_WINDOW и AN_SUSPENSION_DURATION должны быть положительными")
	}

	// --- Модерация ---

	if cfg.ModerationTimeout, err = getEnvDuration("AN_MODERATION_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("AN_MODERATION_TIMEOUT: %w", err)
	}
	if cfg.ModerationTimeout <= 0 {
		return nil, fmt.Errorf("AN_MODERATION_TIMEOUT: значение должно быть положительным")
	}
	cfg.ModerationRulesPath = getEnvDefault("AN_MODERATION_RULES", "")
	cfg.ModerationURL = getEnvDefault("AN_MODERATION_URL", "")

	// --- Кэши ---

	if cfg.IdempotencyCacheSize, err = getEnvInt("AN_IDEMPOTENCY_CACHE_SIZE", 10000); err != nil {
		return nil, fmt.Errorf("AN_IDEMPOTENCY_CACHE_SIZE: %w", err)
	}
	if cfg.IdempotencyTTL, err = getEnvDuration("AN_IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return nil, fmt.Errorf("AN_IDEMPOTENCY_TTL: %w", err)
	}
	if cfg.AnswerCacheSize, err = getEnvInt("AN_ANSWER_CACHE_SIZE", 10000); err != nil {
		return nil, fmt.Errorf("AN_ANSWER_CACHE_SIZE: %w", err)
	}
	if cfg.AnswerCacheTTL, err = getEnvDuration("AN_ANSWER_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("AN_ANSWER_CACHE_TTL: %w", err)
	}

	// --- Фоновые процессы ---

	if cfg.WALGCInterval, err = getEnvDuration("AN_WAL_GC_INTERVAL", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("AN_WAL_GC_INTERVAL: %w", err)
	}
	if cfg.WALStaleAfter, err = getEnvDuration("AN_WAL_STALE_AFTER", time.Hour); err != nil {
		return nil, fmt.Errorf("AN_WAL_STALE_AFTER: %w", err)
	}
	// Pending-запись моложе самого долгого запроса может принадлежать живому запросу
	if cfg.WALStaleAfter <= cfg.HTTPReadTimeout+cfg.HTTPWriteTimeout {
		return nil, fmt.Errorf("AN_WAL_STALE_AFTER: значение %s должно превышать сумму HTTP read/write таймаутов", cfg.WALStaleAfter)
	}
	if cfg.DephealthCheckInterval, err = getEnvDuration("AN_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("AN_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("AN_DEPHEALTH_GROUP", "answer-module")

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов метрик).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает bool значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 24h)", val)
	}
	return d, nil
}

// getEnvList возвращает список из переменной окружения, разделённый запятыми.
// Элементы приводятся к нижнему регистру, пустые отбрасываются.
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		result := make([]string, len(defaultVal))
		copy(result, defaultVal)
		return result
	}
	var result []string
	for _, item := range strings.Split(val, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
