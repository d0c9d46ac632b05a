// Package server exposes the process status over HTTP: liveness, the book
// report, Prometheus metrics and read access to the order log and replay
// runs.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polybook/internal/metrics"
	"github.com/alanyoungcy/polybook/internal/server/handler"
	"github.com/alanyoungcy/polybook/internal/server/middleware"
)

// Config holds the status server settings.
type Config struct {
	Addr   string
	APIKey string // guards /orders and /replays when set
}

// Handlers aggregates the route handlers.
type Handlers struct {
	Health  *handler.HealthHandler
	Records *handler.RecordsHandler
}

// Server is the status HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in request logging.
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "status_server"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /report", handlers.Health.GetReport)
	mux.Handle("GET /metrics", metrics.Handler())

	if handlers.Records != nil {
		guard := middleware.RequireKey(cfg.APIKey)
		mux.Handle("GET /orders", guard(http.HandlerFunc(handlers.Records.ListOrders)))
		mux.Handle("GET /replays/{id}", guard(http.HandlerFunc(handlers.Records.GetReplay)))
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           middleware.Logging(logger)(mux),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is done, then shuts down with a 5s grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}
