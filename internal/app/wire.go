package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/polybook/internal/blob/s3"
	"github.com/alanyoungcy/polybook/internal/cache/redis"
	"github.com/alanyoungcy/polybook/internal/config"
	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/notify"
	"github.com/alanyoungcy/polybook/internal/platform/polymarket"
	"github.com/alanyoungcy/polybook/internal/server/handler"
	"github.com/alanyoungcy/polybook/internal/store/postgres"
)

// Dependencies bundles the optional backends and the venue clients the
// modes share. Backends that are disabled in config stay nil.
type Dependencies struct {
	// Redis
	BookMirror  *redis.BookMirror
	SignalBus   domain.SignalBus
	RateLimiter *redis.RateLimiter
	LockManager *redis.LockManager

	// S3
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	// Postgres
	ReplayStore domain.ReplayStore
	OrderLog    domain.OrderLog

	Notifier *notify.Notifier

	Gamma *polymarket.GammaClient
	Data  *polymarket.DataClient

	// Checkers probe every enabled backend for /healthz.
	Checkers []handler.Checker
}

// Wire connects every backend enabled in cfg and returns the dependencies
// with a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Gamma: polymarket.NewGammaClient(cfg.Polymarket.GammaHost),
		Data:  polymarket.NewDataClient(cfg.Polymarket.DataHost),
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.ReplayStore = postgres.NewReplayStore(pool)
		deps.OrderLog = postgres.NewOrderLogStore(pool)
		deps.Checkers = append(deps.Checkers, handler.Checker{Name: "postgres", Check: pool.Ping})
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.BookMirror = redis.NewBookMirror(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient, logger)
		if cfg.Redis.RateLimit {
			deps.RateLimiter = redis.NewRateLimiter(redisClient)
		}
		deps.Checkers = append(deps.Checkers, handler.Checker{Name: "redis", Check: redisClient.Ping})
	}

	// --- S3 ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		writer := s3blob.NewWriter(s3Client)
		deps.BlobWriter = writer
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(writer)
		deps.Checkers = append(deps.Checkers, handler.Checker{Name: "s3", Check: s3Client.Health})
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
