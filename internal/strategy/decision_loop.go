// Package strategy turns book updates into throttled IOC decisions: it asks a
// decision provider what to do and forwards the answer to an executor within
// configured size and position caps.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/metrics"
)

const (
	defaultThrottle = 30 * time.Second
	defaultDepth    = 5
)

// Config holds the decision loop limits.
type Config struct {
	MaxSize float64
	// MaxPosition caps order size as well; zero means MaxSize.
	MaxPosition float64
	Throttle    time.Duration
	Depth       int
	WindowSize  int
}

// Limits returns the effective caps handed to the provider.
func (c Config) Limits() domain.Limits {
	maxPos := c.MaxPosition
	if maxPos <= 0 {
		maxPos = c.MaxSize
	}
	return domain.Limits{MaxSize: c.MaxSize, MaxPosition: maxPos}
}

// ClampSize bounds size by both limits. Negative and NaN sizes become 0.
func ClampSize(size float64, limits domain.Limits) float64 {
	if math.IsNaN(size) || size <= 0 {
		return 0
	}
	return math.Max(0, math.Min(size, math.Min(limits.MaxSize, limits.MaxPosition)))
}

// Option configures a DecisionLoop.
type Option func(*DecisionLoop)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *DecisionLoop) { l.now = now }
}

// WithInstruments sets the slug to instrument id resolver. Without it the
// ids are taken from the books in the pair.
func WithInstruments(in Instruments) Option {
	return func(l *DecisionLoop) { l.instruments = in }
}

type position struct {
	yes, no float64
}

// DecisionLoop implements feed.BookHandler. One evaluation runs at a time;
// triggers that arrive while it is evaluating are dropped.
type DecisionLoop struct {
	cfg         Config
	provider    DecisionProvider
	executor    Executor
	instruments Instruments
	window      *SignalWindow
	logger      *slog.Logger
	now         func() time.Time

	evaluating atomic.Bool

	mu           sync.Mutex
	lastDecision map[string]time.Time
	positions    map[string]*position
}

// NewDecisionLoop creates a loop with the given collaborators.
func NewDecisionLoop(cfg Config, provider DecisionProvider, executor Executor, logger *slog.Logger, opts ...Option) *DecisionLoop {
	if cfg.Throttle <= 0 {
		cfg.Throttle = defaultThrottle
	}
	if cfg.Depth <= 0 {
		cfg.Depth = defaultDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &DecisionLoop{
		cfg:          cfg,
		provider:     provider,
		executor:     executor,
		window:       NewSignalWindow(cfg.WindowSize),
		logger:       logger.With(slog.String("component", "decision_loop")),
		now:          time.Now,
		lastDecision: make(map[string]time.Time),
		positions:    make(map[string]*position),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AddSignal feeds one external item into the sliding window.
func (l *DecisionLoop) AddSignal(s domain.Signal) bool {
	return l.window.Add(s)
}

// Signals returns the current window, oldest first.
func (l *DecisionLoop) Signals() []domain.Signal {
	return l.window.Items()
}

// Position returns the tracked position of market.
func (l *DecisionLoop) Position(market string) (yes, no float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.positions[market]; ok {
		return p.yes, p.no
	}
	return 0, 0
}

// FollowSignals feeds JSON-encoded signals published on the market's signal
// channel into the window until ctx is done.
func (l *DecisionLoop) FollowSignals(ctx context.Context, bus domain.SignalBus, market string) error {
	ch, err := bus.Subscribe(ctx, domain.SignalChannel(market))
	if err != nil {
		return fmt.Errorf("strategy: subscribe signals: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			var s domain.Signal
			if err := json.Unmarshal(payload, &s); err != nil {
				l.logger.Warn("dropping undecodable signal", slog.String("error", err.Error()))
				continue
			}
			if s.Timestamp.IsZero() {
				s.Timestamp = l.now().UTC()
			}
			l.window.Add(s)
		}
	}
}

// signalPage is the stream read size used by BackfillSignals.
const signalPage = 100

// BackfillSignals loads signals appended to the market's signal stream since
// the given time into the window, oldest first. It returns how many were
// added.
func (l *DecisionLoop) BackfillSignals(ctx context.Context, bus domain.SignalBus, market string, since time.Time) (int, error) {
	stream := domain.SignalStream(market)
	// stream ids start with the append time in milliseconds
	lastID := fmt.Sprintf("%d-0", since.UnixMilli())
	added := 0
	for {
		page, err := bus.StreamRead(ctx, stream, lastID, signalPage)
		if err != nil {
			return added, fmt.Errorf("strategy: backfill signals %s: %w", market, err)
		}
		for _, msg := range page {
			var s domain.Signal
			if err := json.Unmarshal(msg.Payload, &s); err != nil {
				continue
			}
			if l.window.Add(s) {
				added++
			}
		}
		if len(page) < signalPage {
			return added, nil
		}
		lastID = page[len(page)-1].ID
	}
}

// OnBook runs one decision cycle for the pair's market unless the loop is
// busy or the market was evaluated less than Throttle ago.
func (l *DecisionLoop) OnBook(ctx context.Context, pair domain.BookPair) error {
	if pair.Empty() {
		metrics.Decisions.WithLabelValues("no_books").Inc()
		return nil
	}
	if !l.evaluating.CompareAndSwap(false, true) {
		metrics.Decisions.WithLabelValues("busy").Inc()
		return nil
	}
	defer l.evaluating.Store(false)

	if !l.due(pair.Market) {
		metrics.Decisions.WithLabelValues("throttled").Inc()
		return nil
	}

	ids := l.resolve(pair)
	exposure, err := l.exposure(ctx, pair.Market, ids)
	if err != nil {
		metrics.Decisions.WithLabelValues("exposure_error").Inc()
		return fmt.Errorf("strategy: refresh exposure: %w", err)
	}

	in := domain.DecisionInput{
		Market:   pair.Market,
		Yes:      topOfBook(pair.Yes, l.cfg.Depth),
		No:       topOfBook(pair.No, l.cfg.Depth),
		Signals:  l.window.Items(),
		Limits:   l.cfg.Limits(),
		Exposure: exposure,
	}

	start := time.Now()
	dec, err := l.provider.Decide(ctx, in)
	metrics.ProviderLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Decisions.WithLabelValues("provider_error").Inc()
		return fmt.Errorf("strategy: decide: %w", err)
	}

	return l.execute(ctx, pair.Market, ids, in, dec)
}

// due advances the market's throttle timer when a cycle may run.
func (l *DecisionLoop) due(market string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.lastDecision[market]; ok && now.Sub(last) < l.cfg.Throttle {
		return false
	}
	l.lastDecision[market] = now
	return true
}

func (l *DecisionLoop) resolve(pair domain.BookPair) domain.MarketInstruments {
	if l.instruments != nil {
		if m, ok := l.instruments.Market(pair.Market); ok {
			return m
		}
	}
	ids := domain.MarketInstruments{Slug: pair.Market}
	if pair.Yes != nil {
		ids.Yes = pair.Yes.InstrumentID
	}
	if pair.No != nil {
		ids.No = pair.No.InstrumentID
	}
	return ids
}

func (l *DecisionLoop) exposure(ctx context.Context, market string, ids domain.MarketInstruments) (domain.Exposure, error) {
	exp := domain.Exposure{OpenOrders: []domain.OpenOrder{}}
	for _, id := range []string{ids.Yes, ids.No} {
		if id == "" {
			continue
		}
		orders, err := l.executor.OpenOrders(ctx, id)
		if err != nil {
			return domain.Exposure{}, err
		}
		exp.OpenOrders = append(exp.OpenOrders, orders...)
	}
	exp.PositionYes, exp.PositionNo = l.Position(market)
	return exp, nil
}

func (l *DecisionLoop) execute(ctx context.Context, market string, ids domain.MarketInstruments, in domain.DecisionInput, dec domain.IOCDecision) error {
	log := l.logger.With(
		slog.String("market", market),
		slog.String("action", string(dec.Action)),
		slog.String("outcome", string(dec.Outcome)),
	)

	var side domain.OrderSide
	switch dec.Action {
	case domain.ActionHold:
		metrics.Decisions.WithLabelValues("hold").Inc()
		log.Debug("provider chose to hold", slog.String("reason", dec.Reason))
		return nil
	case domain.ActionBuy:
		side = domain.OrderSideBuy
	case domain.ActionSell:
		side = domain.OrderSideSell
	default:
		metrics.Decisions.WithLabelValues("invalid").Inc()
		log.Warn("ignoring decision with unknown action")
		return nil
	}
	if !dec.Outcome.Valid() || math.IsNaN(dec.Price) || dec.Price < 0 || dec.Price > 1 {
		metrics.Decisions.WithLabelValues("invalid").Inc()
		log.Warn("ignoring malformed decision", slog.Float64("price", dec.Price))
		return nil
	}

	size := ClampSize(dec.Size, in.Limits)
	if size == 0 {
		metrics.Decisions.WithLabelValues("zero_size").Inc()
		return nil
	}
	if side == domain.OrderSideSell && in.Exposure.Flat() {
		metrics.Decisions.WithLabelValues("no_position").Inc()
		log.Info("skipping sell without a tracked position")
		return nil
	}

	instrumentID := ids.InstrumentID(dec.Outcome)
	if instrumentID == "" {
		metrics.Decisions.WithLabelValues("unknown_instrument").Inc()
		log.Warn("no instrument for outcome")
		return nil
	}

	res, err := l.executor.PlaceIOCOrder(ctx, instrumentID, side, dec.Price, size)
	if err != nil {
		metrics.Decisions.WithLabelValues("order_error").Inc()
		return fmt.Errorf("strategy: place ioc order: %w", err)
	}
	metrics.Decisions.WithLabelValues("placed").Inc()

	filled := res.FilledSize
	if filled == 0 && res.Success && res.Status == domain.OrderStatusMatched {
		filled = size
	}
	l.track(market, dec.Outcome, side, filled)

	log.Info("ioc order placed",
		slog.String("instrument", instrumentID),
		slog.Float64("price", dec.Price),
		slog.Float64("size", size),
		slog.Float64("filled", filled),
		slog.String("order_id", res.OrderID),
		slog.String("status", string(res.Status)),
	)
	return nil
}

func (l *DecisionLoop) track(market string, outcome domain.Outcome, side domain.OrderSide, filled float64) {
	if filled <= 0 {
		return
	}
	if side == domain.OrderSideSell {
		filled = -filled
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[market]
	if !ok {
		p = &position{}
		l.positions[market] = p
	}
	switch outcome {
	case domain.OutcomeYes:
		p.yes = math.Max(0, p.yes+filled)
	case domain.OutcomeNo:
		p.no = math.Max(0, p.no+filled)
	}
}

func topOfBook(s *domain.BookSnapshot, depth int) *domain.BookSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Bids = s.Bids[:min(depth, len(s.Bids))]
	out.Asks = s.Asks[:min(depth, len(s.Asks))]
	return &out
}
