package domain

import (
	"math/big"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Valid reports whether s is buy or sell.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType indicates the time-in-force policy.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Till-Cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill (IOC)
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusMatched   OrderStatus = "matched"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
)

// Order represents a signed trading order.
type Order struct {
	ID          string
	Market      string
	TokenID     string
	Wallet      string
	Side        OrderSide
	Type        OrderType
	PriceTicks  int64    // fixed-point: price * 1e6
	SizeUnits   int64    // fixed-point: size  * 1e6
	MakerAmount *big.Int // integer notional used in signed payload
	TakerAmount *big.Int // integer quantity used in signed payload
	Status      OrderStatus
	Signature   string // EIP-712 hex
	Source      string
	CreatedAt   time.Time
}

// Price returns the float64 display price from fixed-point ticks.
func (o Order) Price() float64 {
	return float64(o.PriceTicks) / 1e6
}

// Size returns the float64 display size from fixed-point units.
func (o Order) Size() float64 {
	return float64(o.SizeUnits) / 1e6
}

// Notional returns price * size.
func (o Order) Notional() float64 {
	return o.Price() * o.Size()
}

// OrderResult wraps the API response after order submission.
type OrderResult struct {
	Success     bool
	OrderID     string
	Status      OrderStatus
	Message     string
	ShouldRetry bool
	FilledSize  float64
	FilledPrice float64
}

// OpenOrder is a resting order as reported by the venue.
type OpenOrder struct {
	ID           string    `json:"id"`
	AssetID      string    `json:"asset_id"`
	Side         OrderSide `json:"side"`
	Price        float64   `json:"price"`
	OriginalSize float64   `json:"original_size"`
	SizeMatched  float64   `json:"size_matched"`
}

// Remaining returns the unfilled size of the order.
func (o OpenOrder) Remaining() float64 {
	r := o.OriginalSize - o.SizeMatched
	if r < 0 {
		return 0
	}
	return r
}
