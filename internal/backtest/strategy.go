package backtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/strategy"
)

// Intent is a trade the strategy wants filled at the current top price.
type Intent struct {
	Side   domain.Outcome   `json:"side"`
	Action domain.OrderSide `json:"action"`
	Size   float64          `json:"size"`
}

// Strategy reacts to a market's books during a replay.
type Strategy interface {
	OnBook(ctx context.Context, pair domain.BookPair) ([]Intent, error)
}

// FillObserver is implemented by strategies that track inventory. Replay
// reports every fill the simulator actually made, so a strategy's position
// never counts an intent that found no price.
type FillObserver interface {
	OnFill(fill domain.SimFill)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, pair domain.BookPair) ([]Intent, error)

// OnBook calls f.
func (f StrategyFunc) OnBook(ctx context.Context, pair domain.BookPair) ([]Intent, error) {
	return f(ctx, pair)
}

// Threshold buys a side when its top price falls to BuyBelow and sells what
// it holds once the price reaches SellAbove. Holdings follow OnFill.
type Threshold struct {
	BuyBelow  float64
	SellAbove float64
	Size      float64
	// MaxPosition stops buying once a side holds this much. Zero means Size.
	MaxPosition float64

	held map[domain.Outcome]float64
}

// OnBook implements Strategy.
func (t *Threshold) OnBook(_ context.Context, pair domain.BookPair) ([]Intent, error) {
	if t.held == nil {
		t.held = make(map[domain.Outcome]float64, 2)
	}
	maxPos := t.MaxPosition
	if maxPos <= 0 {
		maxPos = t.Size
	}

	var out []Intent
	for _, side := range []domain.Outcome{domain.OutcomeYes, domain.OutcomeNo} {
		px, ok := pair.Side(side).TopPrice()
		if !ok {
			continue
		}
		switch {
		case px <= t.BuyBelow && t.held[side]+t.Size <= maxPos:
			out = append(out, Intent{Side: side, Action: domain.OrderSideBuy, Size: t.Size})
		case px >= t.SellAbove && t.held[side] > 0:
			out = append(out, Intent{Side: side, Action: domain.OrderSideSell, Size: t.held[side]})
		}
	}
	return out, nil
}

// OnFill implements FillObserver.
func (t *Threshold) OnFill(f domain.SimFill) {
	if t.held == nil {
		t.held = make(map[domain.Outcome]float64, 2)
	}
	t.held[f.Side] += signedSize(f)
}

// ProviderStrategy replays a live decision provider: every tick becomes a
// DecisionInput and the returned decision becomes at most one intent, under
// the same caps the live loop enforces. Exposure is built from the fills
// reported through OnFill.
type ProviderStrategy struct {
	Provider strategy.DecisionProvider
	Limits   domain.Limits
	Depth    int

	mu      sync.Mutex
	yes, no float64
}

// OnBook implements Strategy.
func (p *ProviderStrategy) OnBook(ctx context.Context, pair domain.BookPair) ([]Intent, error) {
	p.mu.Lock()
	exposure := domain.Exposure{OpenOrders: []domain.OpenOrder{}, PositionYes: p.yes, PositionNo: p.no}
	p.mu.Unlock()

	depth := p.Depth
	if depth <= 0 {
		depth = 5
	}
	dec, err := p.Provider.Decide(ctx, domain.DecisionInput{
		Market:   pair.Market,
		Yes:      trim(pair.Yes, depth),
		No:       trim(pair.No, depth),
		Signals:  []domain.Signal{},
		Limits:   p.Limits,
		Exposure: exposure,
	})
	if err != nil {
		return nil, fmt.Errorf("backtest: decide: %w", err)
	}

	var action domain.OrderSide
	switch dec.Action {
	case domain.ActionBuy:
		action = domain.OrderSideBuy
	case domain.ActionSell:
		action = domain.OrderSideSell
	default:
		return nil, nil
	}
	size := strategy.ClampSize(dec.Size, p.Limits)
	if size == 0 || !dec.Outcome.Valid() {
		return nil, nil
	}
	if action == domain.OrderSideSell && exposure.Flat() {
		return nil, nil
	}
	return []Intent{{Side: dec.Outcome, Action: action, Size: size}}, nil
}

// OnFill implements FillObserver.
func (p *ProviderStrategy) OnFill(f domain.SimFill) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.Side == domain.OutcomeYes {
		p.yes += signedSize(f)
	} else {
		p.no += signedSize(f)
	}
}

func signedSize(f domain.SimFill) float64 {
	if f.Action == domain.OrderSideSell {
		return -f.Size
	}
	return f.Size
}

func trim(s *domain.BookSnapshot, depth int) *domain.BookSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Bids = s.Bids[:min(depth, len(s.Bids))]
	out.Asks = s.Asks[:min(depth, len(s.Asks))]
	return &out
}
