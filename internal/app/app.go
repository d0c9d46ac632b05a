// Package app wires the feed, decision loop, replay engine and optional
// backends together and runs the configured mode until its work is done or
// the context is cancelled.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alanyoungcy/polybook/internal/config"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	out     io.Writer
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
		out:    os.Stdout,
	}
}

// SetOutput redirects the replay report, which is written to stdout by
// default.
func (a *App) SetOutput(w io.Writer) {
	a.out = w
}

// Run wires the dependencies and blocks in the configured mode. Cleanup is
// deferred to Close.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch a.cfg.Mode {
	case config.ModeLive:
		return a.LiveMode(ctx, deps)
	case config.ModeWatch:
		return a.WatchMode(ctx, deps)
	case config.ModeRecord:
		return a.RecordMode(ctx, deps)
	case config.ModeReplay:
		return a.ReplayMode(ctx, deps)
	case config.ModeFetchTrades:
		return a.FetchTradesMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
