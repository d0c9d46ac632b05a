package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polybook/internal/book"
	"github.com/alanyoungcy/polybook/internal/crypto"
	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/metrics"
	"github.com/alanyoungcy/polybook/internal/notify"
)

// MinNotional is the smallest order value the venue accepts, in USDC.
const MinNotional = 1.0

// OrdersChannel carries order events on the signal bus. OrdersStream keeps
// the same events for readers that were not subscribed at the time.
const (
	OrdersChannel = "orders"
	OrdersStream  = "stream:orders"
)

// Default venue rate budget per wallet.
const (
	orderRateLimit  = 10
	orderRateWindow = time.Second
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// Signer abstracts EIP-712 order signing so the service layer never depends
// on concrete key-management implementations.
type Signer interface {
	SignOrder(payload crypto.OrderPayload) (string, error)
	Address() common.Address
}

// ClobAPI submits signed orders and lists resting ones.
type ClobAPI interface {
	PostOrder(ctx context.Context, order domain.Order) (domain.OrderResult, error)
	GetOpenOrders(ctx context.Context, assetID string) ([]domain.OpenOrder, error)
}

// RateLimiter admits at most limit requests per window for a key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// OrderOption configures an OrderService.
type OrderOption func(*OrderService)

// WithOrderLog records every submission.
func WithOrderLog(l domain.OrderLog) OrderOption {
	return func(s *OrderService) { s.orderLog = l }
}

// WithBus publishes an event per submission on OrdersChannel.
func WithBus(b domain.SignalBus) OrderOption {
	return func(s *OrderService) { s.bus = b }
}

// WithNotifier alerts operators about placed orders.
func WithNotifier(n *notify.Notifier) OrderOption {
	return func(s *OrderService) { s.notifier = n }
}

// WithFunder signs orders on behalf of a proxy wallet.
func WithFunder(funder string, signatureType int) OrderOption {
	return func(s *OrderService) {
		s.funder = funder
		s.signatureType = signatureType
	}
}

// WithRateLimiter caps submissions per wallet across processes.
func WithRateLimiter(rl RateLimiter) OrderOption {
	return func(s *OrderService) { s.limiter = rl }
}

// WithMarkets labels orders with the market slug of their instrument.
func WithMarkets(l book.Lookup) OrderOption {
	return func(s *OrderService) { s.markets = l }
}

// OrderService is the live execution collaborator: it turns an IOC request
// into a signed fill-and-kill order and posts it to the CLOB.
type OrderService struct {
	clob          ClobAPI
	signer        Signer
	orderLog      domain.OrderLog
	bus           domain.SignalBus
	notifier      *notify.Notifier
	markets       book.Lookup
	limiter       RateLimiter
	funder        string
	signatureType int
	now           func() time.Time
	logger        *slog.Logger
}

// NewOrderService creates an OrderService.
func NewOrderService(clob ClobAPI, signer Signer, logger *slog.Logger, opts ...OrderOption) *OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &OrderService{
		clob:   clob,
		signer: signer,
		now:    time.Now,
		logger: logger.With(slog.String("component", "order_service")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceIOCOrder signs and submits a fill-and-kill order. Orders worth less
// than MinNotional are refused before anything is signed.
func (s *OrderService) PlaceIOCOrder(ctx context.Context, instrumentID string, side domain.OrderSide, price, size float64) (domain.OrderResult, error) {
	if err := ValidateIOC(instrumentID, side, price, size); err != nil {
		return domain.OrderResult{}, fmt.Errorf("order_service: %w", err)
	}
	if err := s.admit(ctx); err != nil {
		return domain.OrderResult{}, err
	}

	order, err := s.buildOrder(instrumentID, side, price, size)
	if err != nil {
		return domain.OrderResult{}, err
	}

	res, postErr := s.clob.PostOrder(ctx, order)
	if postErr != nil {
		order.Status = domain.OrderStatusFailed
		if res.Message == "" {
			res.Message = postErr.Error()
		}
	} else if res.Status != "" {
		order.Status = res.Status
	}
	if res.OrderID == "" {
		res.OrderID = order.ID
	}
	metrics.OrdersPlaced.WithLabelValues(string(side), string(order.Status)).Inc()
	s.record(ctx, order, res)

	if postErr != nil {
		return res, fmt.Errorf("order_service: post order: %w", postErr)
	}

	s.publish(ctx, order, res)
	if err := s.notifier.OrderPlaced(ctx, order, res); err != nil {
		s.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
	s.logger.InfoContext(ctx, "ioc order placed",
		slog.String("order_id", res.OrderID),
		slog.String("market", order.Market),
		slog.String("token", instrumentID),
		slog.String("side", string(side)),
		slog.Float64("price", price),
		slog.Float64("size", size),
		slog.String("status", string(res.Status)),
		slog.Float64("filled", res.FilledSize),
	)
	return res, nil
}

func (s *OrderService) admit(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	key := "orders:" + s.signer.Address().Hex()
	ok, err := s.limiter.Allow(ctx, key, orderRateLimit, orderRateWindow)
	if err != nil {
		return fmt.Errorf("order_service: rate limit: %w", err)
	}
	if !ok {
		metrics.OrdersPlaced.WithLabelValues("", "rate_limited").Inc()
		return fmt.Errorf("order_service: %w", domain.ErrRateLimited)
	}
	return nil
}

// OpenOrders returns the wallet's resting orders on instrumentID.
func (s *OrderService) OpenOrders(ctx context.Context, instrumentID string) ([]domain.OpenOrder, error) {
	orders, err := s.clob.GetOpenOrders(ctx, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("order_service: open orders %s: %w", instrumentID, err)
	}
	return orders, nil
}

func (s *OrderService) buildOrder(instrumentID string, side domain.OrderSide, price, size float64) (domain.Order, error) {
	wallet := s.signer.Address().Hex()
	maker := wallet
	if s.funder != "" {
		maker = s.funder
	}

	priceTicks := int64(math.Round(price * 1e6))
	sizeUnits := int64(math.Round(size * 1e6))
	makerAmt, takerAmt := Amounts(side, priceTicks, sizeUnits)

	sideInt := crypto.SideBuy
	if side == domain.OrderSideSell {
		sideInt = crypto.SideSell
	}
	salt := strconv.FormatInt(s.now().UnixNano(), 10)

	signature, err := s.signer.SignOrder(crypto.OrderPayload{
		Salt:          salt,
		Maker:         maker,
		Signer:        wallet,
		Taker:         zeroAddress,
		TokenID:       instrumentID,
		MakerAmount:   makerAmt.String(),
		TakerAmount:   takerAmt.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          sideInt,
		SignatureType: s.signatureType,
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: %w: %v", domain.ErrSigningFailed, err)
	}

	market := ""
	if s.markets != nil {
		if ref, ok := s.markets.Lookup(instrumentID); ok {
			market = ref.Market
		}
	}

	return domain.Order{
		ID:          salt,
		Market:      market,
		TokenID:     instrumentID,
		Wallet:      wallet,
		Side:        side,
		Type:        domain.OrderTypeFAK,
		PriceTicks:  priceTicks,
		SizeUnits:   sizeUnits,
		MakerAmount: makerAmt,
		TakerAmount: takerAmt,
		Status:      domain.OrderStatusPending,
		Signature:   signature,
		Source:      "decision_loop",
		CreatedAt:   s.now().UTC(),
	}, nil
}

func (s *OrderService) record(ctx context.Context, order domain.Order, res domain.OrderResult) {
	if s.orderLog == nil {
		return
	}
	if err := s.orderLog.Record(ctx, order, res); err != nil {
		s.logger.WarnContext(ctx, "order log failed",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *OrderService) publish(ctx context.Context, order domain.Order, res domain.OrderResult) {
	if s.bus == nil {
		return
	}
	evt, _ := json.Marshal(map[string]any{
		"event":    notify.EventOrderPlaced,
		"order_id": res.OrderID,
		"market":   order.Market,
		"token":    order.TokenID,
		"side":     string(order.Side),
		"price":    order.Price(),
		"size":     order.Size(),
		"status":   string(res.Status),
		"filled":   res.FilledSize,
	})
	if err := s.bus.Publish(ctx, OrdersChannel, evt); err != nil {
		s.logger.WarnContext(ctx, "publish order event failed",
			slog.String("order_id", res.OrderID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, OrdersStream, evt); err != nil {
		s.logger.WarnContext(ctx, "append order event failed",
			slog.String("order_id", res.OrderID),
			slog.String("error", err.Error()),
		)
	}
}

// ValidateIOC checks an IOC request before it is priced or signed.
func ValidateIOC(instrumentID string, side domain.OrderSide, price, size float64) error {
	switch {
	case instrumentID == "":
		return fmt.Errorf("%w: missing instrument", domain.ErrInvalidOrder)
	case !side.Valid():
		return fmt.Errorf("%w: side %q", domain.ErrInvalidOrder, side)
	case !(price > 0 && price < 1):
		return fmt.Errorf("%w: price %v outside (0,1)", domain.ErrInvalidOrder, price)
	case !(size > 0):
		return fmt.Errorf("%w: size %v", domain.ErrInvalidOrder, size)
	}
	if notional := price * size; notional < MinNotional {
		minSize := math.Ceil(MinNotional/price*10_000) / 10_000
		return fmt.Errorf("%w: notional %.4f, need size >= %v at %v", domain.ErrBelowMinNotional, notional, minSize, price)
	}
	return nil
}

// Amounts returns the signed maker and taker amounts in 1e6 units. A buy
// pays USDC for tokens; a sell gives tokens for USDC.
func Amounts(side domain.OrderSide, priceTicks, sizeUnits int64) (maker, taker *big.Int) {
	usdc := new(big.Int).Mul(big.NewInt(priceTicks), big.NewInt(sizeUnits))
	usdc.Quo(usdc, big.NewInt(1_000_000))
	tokens := big.NewInt(sizeUnits)
	if side == domain.OrderSideSell {
		return tokens, usdc
	}
	return usdc, tokens
}
