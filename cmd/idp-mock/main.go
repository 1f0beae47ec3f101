// IdP Mock — минималистичный провайдер токенов для локальной среды Answer Module.
// Генерирует RSA ключевую пару при старте, отдаёт JWKS по GET /jwks
// и подписывает JWT пользователя по POST /token.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

// keyID — идентификатор единственного ключа подписи.
const keyID = "answer-dev-key-1"

// config хранит конфигурацию сервиса из env-переменных.
type config struct {
	Port    string // MOCK_PORT — порт HTTP-сервера (default: 8080)
	TLSCert string // MOCK_TLS_CERT — путь к TLS сертификату (пусто — HTTP)
	TLSKey  string // MOCK_TLS_KEY — путь к TLS приватному ключу (пусто — HTTP)
	KeySize int    // MOCK_KEY_SIZE — размер RSA ключа (default: 2048)
}

func loadConfig() config {
	cfg := config{
		Port:    envOrDefault("MOCK_PORT", "8080"),
		TLSCert: os.Getenv("MOCK_TLS_CERT"),
		TLSKey:  os.Getenv("MOCK_TLS_KEY"),
		KeySize: 2048,
	}

	if v := os.Getenv("MOCK_KEY_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil && size >= 1024 {
			cfg.KeySize = size
		}
	}

	return cfg
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// buildJWKS формирует JSON JWKS с публичной частью ключа.
func buildJWKS(ctx context.Context, key *rsa.PrivateKey) ([]byte, error) {
	jwk, err := jwkset.NewJWKFromKey(key, jwkset.JWKOptions{
		Metadata: jwkset.JWKMetadataOptions{
			ALG: jwkset.AlgRS256,
			KID: keyID,
			USE: jwkset.UseSig,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWK: %w", err)
	}

	set := jwkset.NewMemoryStorage()
	if err := set.KeyWrite(ctx, jwk); err != nil {
		return nil, fmt.Errorf("запись JWK: %w", err)
	}
	return set.JSONPublic(ctx)
}

// tokenRequest — тело запроса POST /token.
type tokenRequest struct {
	Sub               string `json:"sub"`                // Subject (обязательно)
	PreferredUsername string `json:"preferred_username"` // Отображаемое имя
	Email             string `json:"email"`
	TTLSeconds        int    `json:"ttl_seconds"` // Время жизни токена в секундах (default: 3600)
}

type tokenResponse struct {
	Token string `json:"token"`
}

// userClaims — JWT claims, которые читает auth middleware Answer Module.
type userClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
}

// server объединяет состояние сервиса: RSA ключ и JWKS.
type server struct {
	privateKey   *rsa.PrivateKey
	jwksResponse []byte // Кэшированный JSON JWKS ответ
	logger       *slog.Logger
}

func newServer(ctx context.Context, keySize int, logger *slog.Logger) (*server, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("генерация RSA ключа: %w", err)
	}
	jwks, err := buildJWKS(ctx, privateKey)
	if err != nil {
		return nil, err
	}
	return &server{privateKey: privateKey, jwksResponse: jwks, logger: logger}, nil
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/jwks", s.handleJWKS)
	r.Post("/token", s.handleToken)
	r.Get("/health", s.handleHealth)
	return r
}

// handleJWKS обрабатывает GET /jwks — возвращает JWKS с публичным ключом.
func (s *server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(s.jwksResponse)
}

// handleToken обрабатывает POST /token — генерирует подписанный JWT.
func (s *server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Невалидный JSON: "+err.Error())
		return
	}
	if req.Sub == "" {
		writeError(w, http.StatusBadRequest, "Поле 'sub' обязательно")
		return
	}

	ttl := req.TTLSeconds
	if ttl <= 0 {
		ttl = 3600
	}
	now := time.Now()

	claims := userClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.Sub,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttl) * time.Second)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "idp-mock",
		},
		PreferredUsername: req.PreferredUsername,
		Email:             req.Email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keyID

	tokenString, err := token.SignedString(s.privateKey)
	if err != nil {
		s.logger.Error("Ошибка подписи JWT", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Ошибка генерации токена")
		return
	}

	s.logger.Info("Токен выдан",
		slog.String("sub", req.Sub),
		slog.Int("ttl_seconds", ttl),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(tokenResponse{Token: tokenString})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// writeError отправляет JSON-ошибку в формате Answer Module.
func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    "BAD_REQUEST",
			"message": message,
		},
	})
}

func main() {
	cfg := loadConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Генерация RSA ключевой пары", slog.Int("key_size", cfg.KeySize))
	srv, err := newServer(context.Background(), cfg.KeySize, logger)
	if err != nil {
		logger.Error("Ошибка инициализации IdP Mock", slog.String("error", err.Error()))
		os.Exit(1)
	}

	addr := ":" + cfg.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		logger.Info("Запуск IdP Mock (HTTPS)",
			slog.String("addr", addr),
			slog.String("tls_cert", cfg.TLSCert),
		)
		err = httpServer.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
	} else {
		logger.Info("Запуск IdP Mock (HTTP)", slog.String("addr", addr))
		fmt.Fprintf(os.Stderr, "ВНИМАНИЕ: TLS не настроен, работаем по HTTP\n")
		err = httpServer.ListenAndServe()
	}
	if err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
