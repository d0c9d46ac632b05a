package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/metrics"
)

// PaperExecutor fills every valid IOC order in full at its limit price
// without touching the venue. Nothing ever rests, so OpenOrders is empty.
type PaperExecutor struct {
	orderLog domain.OrderLog
	logger   *slog.Logger

	mu     sync.Mutex
	orders []domain.Order
}

// NewPaperExecutor creates a dry-run executor. orderLog may be nil.
func NewPaperExecutor(orderLog domain.OrderLog, logger *slog.Logger) *PaperExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaperExecutor{
		orderLog: orderLog,
		logger:   logger.With(slog.String("component", "paper_executor")),
	}
}

// PlaceIOCOrder applies the same checks as the live service and reports a
// full match.
func (p *PaperExecutor) PlaceIOCOrder(ctx context.Context, instrumentID string, side domain.OrderSide, price, size float64) (domain.OrderResult, error) {
	if err := ValidateIOC(instrumentID, side, price, size); err != nil {
		return domain.OrderResult{}, fmt.Errorf("paper_executor: %w", err)
	}

	order := domain.Order{
		ID:         uuid.NewString(),
		TokenID:    instrumentID,
		Side:       side,
		Type:       domain.OrderTypeFAK,
		PriceTicks: int64(math.Round(price * 1e6)),
		SizeUnits:  int64(math.Round(size * 1e6)),
		Status:     domain.OrderStatusMatched,
		Source:     "paper",
		CreatedAt:  time.Now().UTC(),
	}
	res := domain.OrderResult{
		Success:     true,
		OrderID:     order.ID,
		Status:      domain.OrderStatusMatched,
		Message:     "paper fill",
		FilledSize:  size,
		FilledPrice: price,
	}

	p.mu.Lock()
	p.orders = append(p.orders, order)
	p.mu.Unlock()
	metrics.OrdersPlaced.WithLabelValues(string(side), string(res.Status)).Inc()

	if p.orderLog != nil {
		if err := p.orderLog.Record(ctx, order, res); err != nil {
			p.logger.WarnContext(ctx, "order log failed", slog.String("error", err.Error()))
		}
	}
	p.logger.InfoContext(ctx, "paper fill",
		slog.String("order_id", order.ID),
		slog.String("token", instrumentID),
		slog.String("side", string(side)),
		slog.Float64("price", price),
		slog.Float64("size", size),
	)
	return res, nil
}

// OpenOrders implements strategy.Executor.
func (p *PaperExecutor) OpenOrders(context.Context, string) ([]domain.OpenOrder, error) {
	return []domain.OpenOrder{}, nil
}

// Orders returns every accepted order.
func (p *PaperExecutor) Orders() []domain.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Order, len(p.orders))
	copy(out, p.orders)
	return out
}
