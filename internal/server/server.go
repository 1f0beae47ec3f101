// Пакет server — HTTP-сервер Answer Module с graceful shutdown.
// TLS включается, если заданы AN_TLS_CERT и AN_TLS_KEY.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/answer-module/internal/api/errors"
	"github.com/bigkaa/goartstore/answer-module/internal/config"
)

// readHeaderTimeout — верхняя граница ожидания заголовков запроса.
const readHeaderTimeout = 10 * time.Second

// RouteRegistrar — набор маршрутов API.
type RouteRegistrar interface {
	Register(r chi.Router)
}

// Server — HTTP-сервер Answer Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// middlewares добавляются в порядке переданного среза.
func New(cfg *config.Config, logger *slog.Logger, routes RouteRegistrar, middlewares ...func(http.Handler) http.Handler) *Server {
	router := chi.NewRouter()

	for _, mw := range middlewares {
		router.Use(mw)
	}

	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.NotFound(w, "Маршрут не найден")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Метод не поддерживается")
	})

	routes.Register(router)

	// ReadTimeout ограничивает и передачу multipart-заявки целиком,
	// поэтому заголовки ограничиваются отдельно и жёстче.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: min(cfg.HTTPReadTimeout, readHeaderTimeout),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Handler возвращает корневой HTTP handler (для тестов).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// JWTAuthWithExclusions применяет mw ко всем запросам, кроме публичных:
// путь которых начинается с одного из publicPrefixes (health, метрики, вложения).
func JWTAuthWithExclusions(mw func(http.Handler) http.Handler, publicPrefixes ...string) func(http.Handler) http.Handler {
	isPublic := func(path string) bool {
		for _, prefix := range publicPrefixes {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		protected := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			protected.ServeHTTP(w, r)
		})
	}
}

// Run обслуживает запросы до SIGINT/SIGTERM, затем ждёт завершения
// начатых заявок не дольше AN_SHUTDOWN_TIMEOUT. Заявки, не успевшие
// завершиться, отменяются и откатывают свои вложения.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.serve()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("ошибка HTTP-сервера: %w", err)
	case <-ctx.Done():
		s.logger.Info("Получен сигнал завершения, новые соединения не принимаются")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		// Оставшиеся соединения закрываются принудительно, контексты заявок отменяются
		_ = s.httpServer.Close()
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}

// serve блокируется до остановки сервера. http.ErrServerClosed ошибкой не считается.
func (s *Server) serve() error {
	tlsEnabled := s.cfg.TLSCert != ""
	s.logger.Info("HTTP-сервер запущен",
		slog.String("addr", s.httpServer.Addr),
		slog.Bool("tls", tlsEnabled),
	)

	var err error
	if tlsEnabled {
		err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
