package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polybook/internal/metrics"
)

// Supervisor runs connections one after another. With Reconnect off it runs
// exactly one connection and returns its error. With Reconnect on it waits
// Delay after every disconnect and opens a fresh connection; there is no
// backoff.
type Supervisor struct {
	New       func() *Connection
	Reconnect bool
	Delay     time.Duration
	Logger    *slog.Logger
}

// Run blocks until ctx is done or, without Reconnect, the connection ends.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "feed_supervisor"))
	delay := s.Delay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			metrics.Reconnects.Inc()
		}
		conn := s.New()
		err := conn.Run(ctx)
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.Reconnect {
			return err
		}
		if err == nil {
			err = errors.New("connection closed")
		}
		logger.Warn("feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
