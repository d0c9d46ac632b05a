package strategy

import (
	"context"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// DecisionProvider turns the current market picture into one IOC decision.
// Calls may be slow; they are never made under a book lock.
type DecisionProvider interface {
	Decide(ctx context.Context, in domain.DecisionInput) (domain.IOCDecision, error)
}

// DecisionProviderFunc adapts a function to DecisionProvider.
type DecisionProviderFunc func(ctx context.Context, in domain.DecisionInput) (domain.IOCDecision, error)

// Decide calls f.
func (f DecisionProviderFunc) Decide(ctx context.Context, in domain.DecisionInput) (domain.IOCDecision, error) {
	return f(ctx, in)
}

// Executor places immediate-or-cancel orders and reports resting orders.
type Executor interface {
	PlaceIOCOrder(ctx context.Context, instrumentID string, side domain.OrderSide, price, size float64) (domain.OrderResult, error)
	OpenOrders(ctx context.Context, instrumentID string) ([]domain.OpenOrder, error)
}

// Instruments resolves a market slug to its yes/no instrument ids.
type Instruments interface {
	Market(slug string) (domain.MarketInstruments, bool)
}
