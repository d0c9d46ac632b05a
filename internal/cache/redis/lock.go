package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes the key only while it still carries the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua refreshes the TTL only while the caller still owns the key.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

const defaultLockTTL = 30 * time.Second

// LockManager hands out TTL-bound locks. Live mode takes one per market so
// two processes never trade the same market at once.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	extendSc *redis.Script
	logger   *slog.Logger
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
		logger:   logger.With(slog.String("component", "redis_lock")),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Hold acquires key and keeps extending it every ttl/2 until ctx is done,
// then releases it. The returned channel is closed once the lock is gone,
// including when an extension finds the key taken over.
func (lm *LockManager) Hold(ctx context.Context, key string, ttl time.Duration) (<-chan struct{}, error) {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: hold lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: hold lock %s: %w", key, domain.ErrLockHeld)
	}

	lost := make(chan struct{})
	go func() {
		defer close(lost)
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
				cancel()
				return
			case <-ticker.C:
				n, err := lm.extendSc.Run(ctx, lm.rdb, []string{lk}, token, ttl.Milliseconds()).Int64()
				if err != nil && ctx.Err() == nil {
					lm.logger.Warn("lock extension failed", slog.String("key", key), slog.String("error", err.Error()))
					continue
				}
				if err == nil && n == 0 {
					lm.logger.Error("lock lost", slog.String("key", key))
					return
				}
			}
		}
	}()
	return lost, nil
}
