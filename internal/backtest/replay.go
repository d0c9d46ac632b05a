// Package backtest replays recorded or synthesized book messages through a
// strategy and simulates fills at the top of book.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/alanyoungcy/polybook/internal/book"
	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/metrics"
	"github.com/alanyoungcy/polybook/internal/platform/polymarket"
)

// Option configures Replay.
type Option func(*replayer)

// WithMode selects how book messages are applied.
func WithMode(m book.Mode) Option {
	return func(r *replayer) { r.mode = m }
}

// WithLookup pairs books through the market topology, as the live feed
// does. Without it books pair by the message's market and outcome fields.
func WithLookup(l book.Lookup) Option {
	return func(r *replayer) { r.lookup = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *replayer) { r.logger = l }
}

type replayer struct {
	mode   book.Mode
	lookup book.Lookup
	logger *slog.Logger
}

// Replay applies every book message of src to a fresh registry, the same
// way the live feed does, and hands each resulting pair to strat. Books
// pair through WithLookup, else by the message's market and outcome fields;
// pairs with no book on either side are not handed over. A strategy error
// skips that tick. Fills are reported back to a strat that implements
// FillObserver. src is closed on return.
func Replay(ctx context.Context, src Source, strat Strategy, opts ...Option) (Report, error) {
	defer src.Close()

	r := &replayer{mode: book.ModeSnapshot, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	logger := r.logger.With(slog.String("component", "replay"))

	regOpts := []book.Option{book.WithMode(r.mode)}
	if r.lookup != nil {
		regOpts = append(regOpts, book.WithLookup(r.lookup))
	}
	reg := book.NewRegistry(regOpts...)
	observer, _ := strat.(FillObserver)
	sim := NewSimulator()
	messages := 0

	for {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		raw, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Report{}, fmt.Errorf("backtest: replay: %w", err)
		}
		messages++
		metrics.ReplayMessages.Inc()

		u, ok := polymarket.DecodeBookUpdate(raw)
		if !ok {
			continue
		}
		pair, ok := reg.Apply(u)
		if !ok || pair.Empty() {
			continue
		}

		intents, err := safeOnBook(ctx, strat, pair)
		if err != nil {
			logger.Debug("strategy failed, skipping tick",
				slog.String("market", pair.Market),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, f := range sim.Apply(intents, pair.Yes, pair.No) {
			if observer != nil {
				observer.OnFill(f)
			}
		}
	}

	rep := sim.Report()
	rep.Messages = messages
	logger.Info("replay finished",
		slog.Int("messages", rep.Messages),
		slog.Int("trades", rep.Trades),
		slog.Float64("realized", rep.Realized),
		slog.Float64("unrealized", rep.Unrealized),
		slog.Float64("total", rep.Total),
		slog.Float64("max_drawdown", rep.MaxDrawdown),
	)
	return rep, nil
}

func safeOnBook(ctx context.Context, strat Strategy, pair domain.BookPair) (intents []Intent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panicked: %v", r)
		}
	}()
	return strat.OnBook(ctx, pair)
}
