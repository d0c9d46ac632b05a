package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYBOOK_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYBOOK_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "POLYBOOK_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "POLYBOOK_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "POLYBOOK_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.Funder, "POLYBOOK_WALLET_FUNDER")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "POLYBOOK_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "POLYBOOK_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "POLYBOOK_POLYMARKET_WS_HOST")
	setStr(&cfg.Polymarket.DataHost, "POLYBOOK_POLYMARKET_DATA_HOST")
	setInt(&cfg.Polymarket.ChainID, "POLYBOOK_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "POLYBOOK_POLYMARKET_SIGNATURE_TYPE")
	setBool(&cfg.Polymarket.NegRisk, "POLYBOOK_POLYMARKET_NEG_RISK")

	// ── API credentials ──
	setStr(&cfg.API.Key, "POLYBOOK_API_KEY")
	setStr(&cfg.API.Secret, "POLYBOOK_API_SECRET")
	setStr(&cfg.API.Passphrase, "POLYBOOK_API_PASSPHRASE")

	// ── Markets ──
	setStr(&cfg.Markets.EventSlug, "POLYBOOK_MARKETS_EVENT_SLUG")
	setStr(&cfg.Markets.MarketSlug, "POLYBOOK_MARKETS_MARKET_SLUG")

	// ── Feed ──
	setStr(&cfg.Feed.URL, "POLYBOOK_FEED_URL")
	setDuration(&cfg.Feed.Heartbeat, "POLYBOOK_FEED_HEARTBEAT")
	setDuration(&cfg.Feed.ReadTimeout, "POLYBOOK_FEED_READ_TIMEOUT")
	setBool(&cfg.Feed.Reconnect, "POLYBOOK_FEED_RECONNECT")
	setDuration(&cfg.Feed.ReconnectDelay, "POLYBOOK_FEED_RECONNECT_DELAY")
	setInt(&cfg.Feed.Depth, "POLYBOOK_FEED_DEPTH")
	setStr(&cfg.Feed.BookMode, "POLYBOOK_FEED_BOOK_MODE")
	setDuration(&cfg.Feed.ReportInterval, "POLYBOOK_FEED_REPORT_INTERVAL")

	// ── Trading ──
	setFloat64(&cfg.Trading.MaxSize, "POLYBOOK_TRADING_MAX_SIZE")
	setFloat64(&cfg.Trading.MaxPosition, "POLYBOOK_TRADING_MAX_POSITION")
	setDuration(&cfg.Trading.Throttle, "POLYBOOK_TRADING_THROTTLE")
	setInt(&cfg.Trading.Depth, "POLYBOOK_TRADING_DEPTH")
	setInt(&cfg.Trading.WindowSize, "POLYBOOK_TRADING_WINDOW_SIZE")
	setBool(&cfg.Trading.DryRun, "POLYBOOK_TRADING_DRY_RUN")
	setDuration(&cfg.Trading.LockTTL, "POLYBOOK_TRADING_LOCK_TTL")
	setDuration(&cfg.Trading.SignalBackfill, "POLYBOOK_TRADING_SIGNAL_BACKFILL")

	// ── Advisor ──
	setStr(&cfg.Advisor.Endpoint, "POLYBOOK_ADVISOR_ENDPOINT")
	setStr(&cfg.Advisor.APIKey, "POLYBOOK_ADVISOR_API_KEY")
	setDuration(&cfg.Advisor.Timeout, "POLYBOOK_ADVISOR_TIMEOUT")

	// ── Replay ──
	setStr(&cfg.Replay.Input, "POLYBOOK_REPLAY_INPUT")
	setBool(&cfg.Replay.Trades, "POLYBOOK_REPLAY_TRADES")
	setStr(&cfg.Replay.Strategy, "POLYBOOK_REPLAY_STRATEGY")
	setFloat64(&cfg.Replay.BuyBelow, "POLYBOOK_REPLAY_BUY_BELOW")
	setFloat64(&cfg.Replay.SellAbove, "POLYBOOK_REPLAY_SELL_ABOVE")
	setFloat64(&cfg.Replay.Size, "POLYBOOK_REPLAY_SIZE")
	setFloat64(&cfg.Replay.MaxPosition, "POLYBOOK_REPLAY_MAX_POSITION")
	setBool(&cfg.Replay.Archive, "POLYBOOK_REPLAY_ARCHIVE")

	// ── Record ──
	setStr(&cfg.Record.Dir, "POLYBOOK_RECORD_DIR")
	setBool(&cfg.Record.Upload, "POLYBOOK_RECORD_UPLOAD")

	// ── Fetch ──
	setStr(&cfg.Fetch.ConditionID, "POLYBOOK_FETCH_CONDITION_ID")
	setInt(&cfg.Fetch.Limit, "POLYBOOK_FETCH_LIMIT")
	setInt(&cfg.Fetch.MaxPages, "POLYBOOK_FETCH_MAX_PAGES")
	setBool(&cfg.Fetch.TakerOnly, "POLYBOOK_FETCH_TAKER_ONLY")
	setStr(&cfg.Fetch.Side, "POLYBOOK_FETCH_SIDE")
	setStr(&cfg.Fetch.Output, "POLYBOOK_FETCH_OUTPUT")
	setBool(&cfg.Fetch.Upload, "POLYBOOK_FETCH_UPLOAD")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POLYBOOK_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POLYBOOK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYBOOK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYBOOK_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYBOOK_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYBOOK_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYBOOK_REDIS_TLS_ENABLED")
	setBool(&cfg.Redis.RateLimit, "POLYBOOK_REDIS_RATE_LIMIT")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POLYBOOK_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POLYBOOK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYBOOK_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYBOOK_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYBOOK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYBOOK_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYBOOK_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYBOOK_S3_FORCE_PATH_STYLE")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POLYBOOK_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POLYBOOK_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POLYBOOK_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYBOOK_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYBOOK_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYBOOK_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYBOOK_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYBOOK_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POLYBOOK_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POLYBOOK_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYBOOK_POSTGRES_RUN_MIGRATIONS")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "POLYBOOK_METRICS_ENABLED")
	setStr(&cfg.Metrics.Addr, "POLYBOOK_METRICS_ADDR")
	setStr(&cfg.Metrics.APIKey, "POLYBOOK_METRICS_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYBOOK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYBOOK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYBOOK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYBOOK_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYBOOK_MODE")
	setStr(&cfg.LogLevel, "POLYBOOK_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
