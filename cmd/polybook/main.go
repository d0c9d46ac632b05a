// Command polybook streams prediction-market order books, trades them
// through a decision provider, records and replays them. It loads and
// validates configuration, installs signal handling and runs the configured
// mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polybook/internal/app"
	"github.com/alanyoungcy/polybook/internal/cache/redis"
	"github.com/alanyoungcy/polybook/internal/config"
	"github.com/alanyoungcy/polybook/internal/domain"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML configuration file (optional)")
	mode := flag.String("mode", "", "override the configured mode (live, watch, record, replay, fetch-trades)")
	signalMarket := flag.String("signal-market", "", "publish -signal-text to this market's signal channel and exit")
	signalText := flag.String("signal-text", "", "signal text for -signal-market")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *signalMarket != "" {
		if err := publishSignal(ctx, cfg, *signalMarket, *signalText); err != nil {
			logger.Error("publish signal failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("polybook starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error", slog.String("error", err.Error()))
			application.Close()
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("polybook stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// publishSignal pushes one signal to a running live process over Redis.
func publishSignal(ctx context.Context, cfg *config.Config, market, text string) error {
	if text == "" {
		return errors.New("-signal-text is required")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   1,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	pub := redis.NewSignalPublisher(redis.NewSignalBus(client))
	return pub.PublishSignal(ctx, market, domain.Signal{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Text:      text,
		Source:    "cli",
	})
}
