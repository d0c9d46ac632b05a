// Package notify fans operator alerts out to chat senders. Alerts carry an
// event name so operators can subscribe to the ones they care about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// Event names accepted by the notify.events setting.
const (
	EventOrderPlaced    = "order_placed"
	EventReplayFinished = "replay_finished"
	EventFeedClosed     = "feed_closed"
)

// Sender delivers one alert to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to every sender. A nil *Notifier is valid and
// drops everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends an alert if event is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if n == nil || len(n.senders) == 0 {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// OrderPlaced reports a submitted IOC order.
func (n *Notifier) OrderPlaced(ctx context.Context, order domain.Order, res domain.OrderResult) error {
	msg := fmt.Sprintf("%s %s %.4f @ %.4f on %s\nstatus: %s, filled: %.4f",
		order.Side, order.TokenID, order.Size(), order.Price(), order.Market, res.Status, res.FilledSize)
	return n.Notify(ctx, EventOrderPlaced, "Order placed", msg)
}

// ReplayFinished reports the outcome of a replay run.
func (n *Notifier) ReplayFinished(ctx context.Context, run domain.ReplayRun) error {
	msg := fmt.Sprintf("%s via %s: %d messages, %d trades\nrealized %.4f, unrealized %.4f, total %.4f, max drawdown %.4f",
		run.Source, run.Strategy, run.Messages, run.Trades, run.Realized, run.Unrealized, run.Total, run.MaxDrawdown)
	return n.Notify(ctx, EventReplayFinished, "Replay finished", msg)
}

// FeedClosed reports the end of a market feed.
func (n *Notifier) FeedClosed(ctx context.Context, markets []string, cause error) error {
	msg := "markets: " + strings.Join(markets, ", ")
	if cause != nil {
		msg += "\ncause: " + cause.Error()
	}
	return n.Notify(ctx, EventFeedClosed, "Feed closed", msg)
}
