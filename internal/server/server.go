// Пакет server — HTTP-сервер graph-sync с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на ingress.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/salvemundi/graph-sync/internal/api/handlers"
	"github.com/salvemundi/graph-sync/internal/api/middleware"
	"github.com/salvemundi/graph-sync/internal/config"
)

// Server — HTTP-сервер graph-sync.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
// jwtAuth защищает операции /sync/*; может быть nil (GS_ADMIN_JWT_ENABLED=false).
// Health, metrics и webhooks всегда без JWT: probes проверяются Kubernetes,
// а Graph и Directus не умеют получать пользовательский токен.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	health *handlers.HealthHandler,
	sync *handlers.SyncHandler,
	webhooks *handlers.WebhookHandler,
	jwtAuth *middleware.JWTAuth,
) *Server {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	router.Get("/health/live", health.HealthLive)
	router.Get("/health/ready", health.HealthReady)
	router.Get("/metrics", health.GetMetrics)

	router.Get("/webhook/entra", webhooks.ValidateEntraSubscription)
	router.Post("/webhook/entra", webhooks.NotifyEntra)
	router.Post("/webhook/directus", webhooks.NotifyDirectus)

	router.Route("/sync", func(r chi.Router) {
		if jwtAuth != nil {
			r.Use(jwtAuth.Middleware())
		}
		r.Post("/users", sync.StartBulkSync)
		r.Get("/status", sync.GetSyncStatus)
		r.Post("/users/{id}", sync.SyncUser)
		r.Post("/directus-to-entra", sync.ReverseBulkSync)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Handler возвращает корневой http.Handler сервера.
// Используется в тестах для запросов без реального listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
