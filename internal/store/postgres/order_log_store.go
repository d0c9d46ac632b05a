package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polybook/internal/domain"
)

const defaultListLimit = 100

// OrderLogStore implements domain.OrderLog on the order_log table.
type OrderLogStore struct {
	pool *pgxpool.Pool
}

// NewOrderLogStore creates an OrderLogStore.
func NewOrderLogStore(pool *pgxpool.Pool) *OrderLogStore {
	return &OrderLogStore{pool: pool}
}

// Record upserts one submission together with the venue's answer. Failed
// submissions are kept too.
func (s *OrderLogStore) Record(ctx context.Context, o domain.Order, res domain.OrderResult) error {
	const query = `
		INSERT INTO order_log (
			id, venue_id, market, token_id, wallet, side, order_type,
			price_ticks, size_units, maker_amount, taker_amount,
			price, size, status, filled_size, filled_price, message,
			signature, source, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17,
			$18, $19, $20
		)
		ON CONFLICT (id) DO UPDATE SET
			venue_id = EXCLUDED.venue_id,
			status = EXCLUDED.status,
			filled_size = EXCLUDED.filled_size,
			filled_price = EXCLUDED.filled_price,
			message = EXCLUDED.message,
			recorded_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		o.ID, res.OrderID, o.Market, o.TokenID, o.Wallet,
		string(o.Side), string(o.Type),
		o.PriceTicks, o.SizeUnits,
		bigString(o.MakerAmount), bigString(o.TakerAmount),
		o.Price(), o.Size(), string(o.Status),
		res.FilledSize, res.FilledPrice, res.Message,
		o.Signature, o.Source, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record order %s: %w", o.ID, err)
	}
	return nil
}

const orderLogCols = `id, market, token_id, wallet, side, order_type,
	price_ticks, size_units, maker_amount, taker_amount,
	status, signature, source, created_at`

// ListByMarket returns the newest orders of market first. limit <= 0 means
// defaultListLimit.
func (s *OrderLogStore) ListByMarket(ctx context.Context, market string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderLogCols+` FROM order_log
		 WHERE market = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, market, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders %s: %w", market, err)
	}
	defer rows.Close()

	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders %s: %w", market, err)
	}
	return orders, nil
}

func scanOrder(row pgx.CollectableRow) (domain.Order, error) {
	var o domain.Order
	var side, orderType, status string
	var makerAmount, takerAmount *string

	err := row.Scan(
		&o.ID, &o.Market, &o.TokenID, &o.Wallet,
		&side, &orderType,
		&o.PriceTicks, &o.SizeUnits,
		&makerAmount, &takerAmount,
		&status, &o.Signature, &o.Source, &o.CreatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	o.MakerAmount = parseBig(makerAmount)
	o.TakerAmount = parseBig(takerAmount)
	return o, nil
}

func bigString(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseBig(s *string) *big.Int {
	if s == nil {
		return nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil
	}
	return v
}

var _ domain.OrderLog = (*OrderLogStore)(nil)
