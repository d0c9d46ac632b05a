// Package redis mirrors live books, carries decision signals and guards
// live trading with locks and rate limits, all on go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPoolSize = 10

// ClientConfig is the subset of the redis section the client needs.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

func (c ClientConfig) options() *redis.Options {
	opts := &redis.Options{
		Addr:        c.Addr,
		Password:    c.Password,
		DB:          c.DB,
		PoolSize:    c.PoolSize,
		MaxRetries:  c.MaxRetries,
		DialTimeout: 5 * time.Second,
		ReadTimeout: 3 * time.Second,
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = defaultPoolSize
	}
	if c.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Client owns the connection pool shared by the mirror, the signal bus, the
// lock manager and the rate limiter.
type Client struct {
	rdb *redis.Client
}

// New dials and pings; a failed ping closes the pool again.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	c := &Client{rdb: redis.NewClient(cfg.options())}
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	return c, nil
}

// Ping backs the /healthz redis check.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping %s: %w", c.rdb.Options().Addr, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying exposes the driver to the package's components.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
