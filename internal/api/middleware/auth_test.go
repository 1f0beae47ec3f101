package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// testKeyID — идентификатор ключа для тестов.
const testKeyID = "test-key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// generateTestToken генерирует JWT токен для тестов.
func generateTestToken(t *testing.T, key *rsa.PrivateKey, claims tokenClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("подпись токена: %v", err)
	}
	return s
}

// buildJWKSetJSON строит JWKS JSON из RSA публичного ключа.
func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
	data, _ := json.Marshal(jwks)
	return data
}

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// newTestJWTAuth создаёт JWTAuth с RSA ключом для тестов.
func newTestJWTAuth(t *testing.T, key *rsa.PrivateKey) *JWTAuth {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("keyfunc из JWKS JSON: %v", err)
	}
	return NewJWTAuthWithKeyfunc(kf, 5*time.Second, testLogger())
}

func validClaims(sub string) tokenClaims {
	return tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		PreferredUsername: "alice",
		Email:             "alice@example.com",
	}
}

func TestJWTAuth_ValidToken(t *testing.T) {
	key := newTestKey(t)
	auth := newTestJWTAuth(t, key)

	var got *AuthClaims
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/answers", nil)
	req.Header.Set("Authorization", "Bearer "+generateTestToken(t, key, validClaims("user-1")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d, тело: %s", rec.Code, rec.Body.String())
	}
	if got == nil || got.Subject != "user-1" || got.PreferredUsername != "alice" || got.Email != "alice@example.com" {
		t.Errorf("неожиданные claims: %+v", got)
	}
}

func TestJWTAuth_Rejects(t *testing.T) {
	key := newTestKey(t)
	otherKey := newTestKey(t)
	auth := newTestJWTAuth(t, key)

	expired := validClaims("user-1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	noExp := validClaims("user-1")
	noExp.ExpiresAt = nil

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"no bearer prefix", "token123"},
		{"empty token", "Bearer "},
		{"garbage token", "Bearer not.a.jwt"},
		{"expired", "Bearer " + generateTestToken(t, key, expired)},
		{"no exp", "Bearer " + generateTestToken(t, key, noExp)},
		{"wrong key", "Bearer " + generateTestToken(t, otherKey, validClaims("user-1"))},
		{"no subject", "Bearer " + generateTestToken(t, key, validClaims(""))},
	}

	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("handler не должен быть вызван")
	}))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/strikes/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("ожидался статус 401, получен %d", rec.Code)
			}
		})
	}
}

func TestJWTAuth_HS256Rejected(t *testing.T) {
	key := newTestKey(t)
	auth := newTestJWTAuth(t, key)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("user-1"))
	token.Header["kid"] = testKeyID
	s, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("handler не должен быть вызван")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+s)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("ожидался статус 401, получен %d", rec.Code)
	}
}

// TestNewJWTAuth_FromHTTP проверяет загрузку ключей с JWKS endpoint.
func TestNewJWTAuth_FromHTTP(t *testing.T) {
	key := newTestKey(t)
	jwksJSON := buildJWKSetJSON(&key.PublicKey, testKeyID)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwksJSON)
	}))
	defer srv.Close()

	auth, err := NewJWTAuth(JWTAuthOptions{
		JWKSURL:         srv.URL,
		ClientTimeout:   5 * time.Second,
		RefreshInterval: time.Hour,
		Leeway:          5 * time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewJWTAuth: %v", err)
	}

	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sub := SubjectFromContext(r.Context()); sub != "user-7" {
			t.Errorf("ожидался sub=user-7, получен %q", sub)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+generateTestToken(t, key, validClaims("user-7")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("ожидался статус 204, получен %d, тело: %s", rec.Code, rec.Body.String())
	}
}

func TestNewJWTAuth_MissingCACert(t *testing.T) {
	_, err := NewJWTAuth(JWTAuthOptions{
		JWKSURL:    "https://idp.invalid/jwks",
		CACertPath: "/nonexistent/ca.pem",
	}, testLogger())
	if err == nil {
		t.Fatal("ожидалась ошибка загрузки CA-сертификата")
	}
}

func TestSubjectFromContext(t *testing.T) {
	if sub := SubjectFromContext(context.Background()); sub != "" {
		t.Errorf("ожидалась пустая строка, получено %q", sub)
	}
	ctx := WithClaims(context.Background(), &AuthClaims{Subject: "admin"})
	if sub := SubjectFromContext(ctx); sub != "admin" {
		t.Errorf("ожидалось admin, получено %q", sub)
	}
}

func TestJWKSReadinessChecker(t *testing.T) {
	key := newTestKey(t)

	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus string
	}{
		{"ok", http.StatusOK, string(buildJWKSetJSON(&key.PublicKey, testKeyID)), "ok"},
		{"no keys", http.StatusOK, `{"keys":[]}`, "degraded"},
		{"bad json", http.StatusOK, `{`, "degraded"},
		{"server error", http.StatusInternalServerError, ``, "fail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			checker, err := NewJWKSReadinessChecker(srv.URL, "", false, time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if checker.Name() != "jwks" {
				t.Errorf("неожиданное имя проверки: %s", checker.Name())
			}
			status, msg := checker.CheckReady()
			if status != tt.wantStatus {
				t.Errorf("ожидался статус %s, получен %s (%s)", tt.wantStatus, status, msg)
			}
		})
	}
}
