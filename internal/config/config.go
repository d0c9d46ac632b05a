// Package config defines the polybook configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/polybook/internal/book"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYBOOK_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	API        APIConfig        `toml:"api"`
	Markets    MarketsConfig    `toml:"markets"`
	Feed       FeedConfig       `toml:"feed"`
	Trading    TradingConfig    `toml:"trading"`
	Advisor    AdvisorConfig    `toml:"advisor"`
	Replay     ReplayConfig     `toml:"replay"`
	Record     RecordConfig     `toml:"record"`
	Fetch      FetchConfig      `toml:"fetch"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds Ethereum wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	// Funder is the proxy wallet holding the funds, when it differs from
	// the signing key's address.
	Funder string `toml:"funder"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	GammaHost     string `toml:"gamma_host"`
	WsHost        string `toml:"ws_host"`
	DataHost      string `toml:"data_host"`
	ChainID       int    `toml:"chain_id"`
	SignatureType int    `toml:"signature_type"`
	NegRisk       bool   `toml:"neg_risk"`
}

// APIConfig holds CLOB L2 credentials. When empty they are derived from the
// wallet key at startup.
type APIConfig struct {
	Key        string `toml:"key"`
	Secret     string `toml:"secret"`
	Passphrase string `toml:"passphrase"`
}

// MarketsConfig selects what to subscribe to. An empty market slug means
// every market of the event.
type MarketsConfig struct {
	EventSlug  string `toml:"event_slug"`
	MarketSlug string `toml:"market_slug"`
}

// FeedConfig configures the market websocket.
type FeedConfig struct {
	URL            string   `toml:"url"`
	Heartbeat      duration `toml:"heartbeat"`
	ReadTimeout    duration `toml:"read_timeout"`
	Reconnect      bool     `toml:"reconnect"`
	ReconnectDelay duration `toml:"reconnect_delay"`
	Depth          int      `toml:"depth"`
	BookMode       string   `toml:"book_mode"`
	ReportInterval duration `toml:"report_interval"`
}

// TradingConfig holds the decision loop limits.
type TradingConfig struct {
	MaxSize     float64  `toml:"max_size"`
	MaxPosition float64  `toml:"max_position"`
	Throttle    duration `toml:"throttle"`
	Depth       int      `toml:"depth"`
	WindowSize  int      `toml:"window_size"`
	DryRun      bool     `toml:"dry_run"`
	// LockTTL bounds how long a crashed process keeps its market lock.
	LockTTL duration `toml:"lock_ttl"`
	// SignalBackfill is how far back a starting live process reloads
	// signals from the stream. Zero disables the backfill.
	SignalBackfill duration `toml:"signal_backfill"`
}

// AdvisorConfig points at the HTTP decision provider.
type AdvisorConfig struct {
	Endpoint string   `toml:"endpoint"`
	APIKey   string   `toml:"api_key"`
	Timeout  duration `toml:"timeout"`
}

// ReplayConfig selects the replay input and strategy. Inputs prefixed with
// "s3://" are read from the configured bucket.
type ReplayConfig struct {
	Input string `toml:"input"`
	// Trades marks the input as a trade history to be turned into
	// synthetic books.
	Trades      bool    `toml:"trades"`
	Strategy    string  `toml:"strategy"`
	BuyBelow    float64 `toml:"buy_below"`
	SellAbove   float64 `toml:"sell_above"`
	Size        float64 `toml:"size"`
	MaxPosition float64 `toml:"max_position"`
	Archive     bool    `toml:"archive"`
}

// RecordConfig controls raw frame recording.
type RecordConfig struct {
	Dir    string `toml:"dir"`
	Upload bool   `toml:"upload"`
}

// FetchConfig controls the trade history download.
type FetchConfig struct {
	ConditionID string `toml:"condition_id"`
	Limit       int    `toml:"limit"`
	MaxPages    int    `toml:"max_pages"`
	TakerOnly   bool   `toml:"taker_only"`
	Side        string `toml:"side"`
	Output      string `toml:"output"`
	Upload      bool   `toml:"upload"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// RateLimit enables the shared per-wallet order limiter.
	RateLimit bool `toml:"rate_limit"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// MetricsConfig controls the status server (/healthz, /report, /metrics,
// /orders, /replays). A set APIKey guards the store-backed routes.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	APIKey  string `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:      "https://clob.polymarket.com",
			GammaHost:     "https://gamma-api.polymarket.com",
			WsHost:        "wss://ws-subscriptions-clob.polymarket.com",
			DataHost:      "https://data-api.polymarket.com",
			ChainID:       137,
			SignatureType: 1,
		},
		Feed: FeedConfig{
			Heartbeat:      duration{10 * time.Second},
			ReconnectDelay: duration{2 * time.Second},
			BookMode:       string(book.ModeSnapshot),
			ReportInterval: duration{30 * time.Second},
		},
		Trading: TradingConfig{
			MaxSize:    5,
			Throttle:   duration{30 * time.Second},
			Depth:      5,
			WindowSize: 10,
			DryRun:     true,
			LockTTL:    duration{30 * time.Second},
			SignalBackfill: duration{15 * time.Minute},
		},
		Advisor: AdvisorConfig{
			Timeout: duration{60 * time.Second},
		},
		Replay: ReplayConfig{
			Strategy:  "threshold",
			BuyBelow:  0.4,
			SellAbove: 0.6,
			Size:      5,
		},
		Record: RecordConfig{
			Dir: "recordings",
		},
		Fetch: FetchConfig{
			Limit:    500,
			MaxPages: 20,
			Output:   "trades.jsonl",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "polybook-data",
			ForcePathStyle: true,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "polybook",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Metrics: MetricsConfig{
			Addr: ":9102",
		},
		Notify: NotifyConfig{
			Events: []string{"order_placed", "replay_finished", "feed_closed"},
		},
		Mode:     "watch",
		LogLevel: "info",
	}
}

// Modes.
const (
	ModeLive        = "live"
	ModeWatch       = "watch"
	ModeRecord      = "record"
	ModeReplay      = "replay"
	ModeFetchTrades = "fetch-trades"
)

var validModes = map[string]bool{
	ModeLive:        true,
	ModeWatch:       true,
	ModeRecord:      true,
	ModeReplay:      true,
	ModeFetchTrades: true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validReplayStrategies = map[string]bool{
	"threshold": true,
	"advisor":   true,
}

// FeedURL returns the market channel URL, derived from ws_host unless
// feed.url is set.
func (c *Config) FeedURL() string {
	if c.Feed.URL != "" {
		return c.Feed.URL
	}
	return strings.TrimRight(c.Polymarket.WsHost, "/") + "/ws/market"
}

// NeedsFeed reports whether the mode opens a market websocket.
func (c *Config) NeedsFeed() bool {
	switch c.Mode {
	case ModeLive, ModeWatch, ModeRecord:
		return true
	}
	return false
}

// NeedsWallet reports whether orders will be signed and sent.
func (c *Config) NeedsWallet() bool {
	return c.Mode == ModeLive && !c.Trading.DryRun
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[c.Mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, watch, record, replay, fetch-trades)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.NeedsWallet() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set when trading.dry_run is off")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Polymarket.ClobHost == "" {
			errs = append(errs, "polymarket: clob_host must not be empty")
		}
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType < 0 || c.Polymarket.SignatureType > 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 0 (EOA), 1 (proxy) or 2 (Safe), got %d", c.Polymarket.SignatureType))
	}

	ak := c.API.Key != ""
	as := c.API.Secret != ""
	ap := c.API.Passphrase != ""
	if (ak || as || ap) && !(ak && as && ap) {
		errs = append(errs, "api: key, secret and passphrase must all be set together")
	}

	if c.NeedsFeed() {
		if c.Markets.EventSlug == "" {
			errs = append(errs, "markets: event_slug is required for mode "+c.Mode)
		}
		if c.Polymarket.GammaHost == "" {
			errs = append(errs, "polymarket: gamma_host must not be empty")
		}
		if c.FeedURL() == "/ws/market" {
			errs = append(errs, "feed: url or polymarket.ws_host must be set")
		}
	}
	if _, err := book.ParseMode(c.Feed.BookMode); err != nil {
		errs = append(errs, fmt.Sprintf("feed: book_mode %q (valid: snapshot, incremental)", c.Feed.BookMode))
	}
	if c.Feed.Depth < 0 {
		errs = append(errs, "feed: depth must be >= 0")
	}

	if c.Mode == ModeLive {
		if c.Trading.MaxSize <= 0 {
			errs = append(errs, "trading: max_size must be > 0")
		}
		if c.Trading.MaxPosition < 0 {
			errs = append(errs, "trading: max_position must be >= 0")
		}
		if c.Trading.SignalBackfill.Duration < 0 {
			errs = append(errs, "trading: signal_backfill must be >= 0")
		}
		if c.Advisor.Endpoint == "" {
			errs = append(errs, "advisor: endpoint is required for live mode")
		}
	}

	if c.Mode == ModeReplay {
		if c.Replay.Input == "" {
			errs = append(errs, "replay: input must not be empty")
		}
		if !validReplayStrategies[c.Replay.Strategy] {
			errs = append(errs, fmt.Sprintf("replay: unknown strategy %q (valid: threshold, advisor)", c.Replay.Strategy))
		}
		if c.Replay.Strategy == "advisor" && c.Advisor.Endpoint == "" {
			errs = append(errs, "advisor: endpoint is required for the advisor replay strategy")
		}
		if c.Replay.Size <= 0 {
			errs = append(errs, "replay: size must be > 0")
		}
		if strings.HasPrefix(c.Replay.Input, "s3://") && !c.S3.Enabled {
			errs = append(errs, "replay: s3:// input requires s3.enabled")
		}
		if c.Replay.Archive && !c.S3.Enabled {
			errs = append(errs, "replay: archive requires s3.enabled")
		}
	}

	if c.Mode == ModeFetchTrades {
		if c.Fetch.ConditionID == "" && c.Markets.EventSlug == "" {
			errs = append(errs, "fetch: condition_id or markets.event_slug must be set")
		}
		if c.Fetch.Output == "" {
			errs = append(errs, "fetch: output must not be empty")
		}
		if s := strings.ToUpper(c.Fetch.Side); s != "" && s != "BUY" && s != "SELL" {
			errs = append(errs, fmt.Sprintf("fetch: side must be BUY or SELL, got %q", c.Fetch.Side))
		}
		if c.Fetch.Upload && !c.S3.Enabled {
			errs = append(errs, "fetch: upload requires s3.enabled")
		}
	}

	if c.Mode == ModeRecord && c.Record.Upload && !c.S3.Enabled {
		errs = append(errs, "record: upload requires s3.enabled")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics: addr must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
