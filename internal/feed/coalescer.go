package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/metrics"
)

// Coalescer moves a slow BookHandler off the reader goroutine. It keeps only
// the newest pending pair per market, so bursts collapse into one call.
type Coalescer struct {
	next   BookHandler
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]domain.BookPair
	order   []string
	wake    chan struct{}
}

// NewCoalescer wraps next. Run must be started for next to be called.
func NewCoalescer(next BookHandler, logger *slog.Logger) *Coalescer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coalescer{
		next:    next,
		logger:  logger.With(slog.String("component", "coalescer")),
		pending: make(map[string]domain.BookPair),
		wake:    make(chan struct{}, 1),
	}
}

// OnBook stores pair as the latest state of its market and returns at once.
func (c *Coalescer) OnBook(_ context.Context, pair domain.BookPair) error {
	c.mu.Lock()
	if _, ok := c.pending[pair.Market]; !ok {
		c.order = append(c.order, pair.Market)
	}
	c.pending[pair.Market] = pair
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of markets waiting to be handled.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Run delivers pending pairs until ctx is done.
func (c *Coalescer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		}
		for {
			pair, ok := c.pop()
			if !ok {
				break
			}
			c.deliver(ctx, pair)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

func (c *Coalescer) pop() (domain.BookPair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return domain.BookPair{}, false
	}
	market := c.order[0]
	c.order = c.order[1:]
	pair := c.pending[market]
	delete(c.pending, market)
	return pair, true
}

func (c *Coalescer) deliver(ctx context.Context, pair domain.BookPair) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerFailures.WithLabelValues("panic").Inc()
			c.logger.Error("book handler panicked", slog.String("market", pair.Market), slog.Any("panic", r))
		}
	}()
	if err := c.next.OnBook(ctx, pair); err != nil {
		metrics.HandlerFailures.WithLabelValues("error").Inc()
		c.logger.Warn("book handler failed", slog.String("market", pair.Market), slog.String("error", err.Error()))
	}
}
