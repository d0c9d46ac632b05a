package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/crypto"
	"github.com/alanyoungcy/polybook/internal/domain"
)

type fakeSigner struct {
	payloads []crypto.OrderPayload
	err      error
}

func (f *fakeSigner) SignOrder(p crypto.OrderPayload) (string, error) {
	f.payloads = append(f.payloads, p)
	return "0xsig", f.err
}

func (f *fakeSigner) Address() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000aa")
}

type fakeClob struct {
	posted []domain.Order
	result domain.OrderResult
	err    error
	open   []domain.OpenOrder
}

func (f *fakeClob) PostOrder(_ context.Context, o domain.Order) (domain.OrderResult, error) {
	f.posted = append(f.posted, o)
	return f.result, f.err
}

func (f *fakeClob) GetOpenOrders(context.Context, string) ([]domain.OpenOrder, error) {
	return f.open, nil
}

type memOrderLog struct {
	orders  []domain.Order
	results []domain.OrderResult
}

func (m *memOrderLog) Record(_ context.Context, o domain.Order, r domain.OrderResult) error {
	m.orders = append(m.orders, o)
	m.results = append(m.results, r)
	return nil
}

func (m *memOrderLog) ListByMarket(context.Context, string, int) ([]domain.Order, error) {
	return m.orders, nil
}

type memBus struct {
	channel string
	payload []byte
	streams []string
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.channel, b.payload = channel, payload
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *memBus) StreamAppend(_ context.Context, stream string, _ []byte) error {
	b.streams = append(b.streams, stream)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type lookup map[string]domain.InstrumentRef

func (l lookup) Lookup(id string) (domain.InstrumentRef, bool) {
	r, ok := l[id]
	return r, ok
}

func TestPlaceIOCOrderBuy(t *testing.T) {
	clob := &fakeClob{result: domain.OrderResult{Success: true, OrderID: "0xabc", Status: domain.OrderStatusMatched, FilledSize: 4}}
	signer := &fakeSigner{}
	orderLog := &memOrderLog{}
	bus := &memBus{}
	svc := NewOrderService(clob, signer, nil,
		WithOrderLog(orderLog),
		WithBus(bus),
		WithFunder("0x00000000000000000000000000000000000000bb", 1),
		WithMarkets(lookup{"tok": {Market: "rain", Outcome: domain.OutcomeYes}}),
	)
	svc.now = func() time.Time { return time.Unix(0, 42) }

	res, err := svc.PlaceIOCOrder(context.Background(), "tok", domain.OrderSideBuy, 0.5, 4)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", res.OrderID)

	require.Len(t, signer.payloads, 1)
	p := signer.payloads[0]
	assert.Equal(t, "42", p.Salt)
	assert.Equal(t, "0x00000000000000000000000000000000000000bb", p.Maker)
	assert.Equal(t, signer.Address().Hex(), p.Signer)
	assert.Equal(t, "2000000", p.MakerAmount)
	assert.Equal(t, "4000000", p.TakerAmount)
	assert.Equal(t, crypto.SideBuy, p.Side)
	assert.Equal(t, 1, p.SignatureType)

	require.Len(t, clob.posted, 1)
	o := clob.posted[0]
	assert.Equal(t, domain.OrderTypeFAK, o.Type)
	assert.Equal(t, "rain", o.Market)
	assert.Equal(t, "0xsig", o.Signature)
	assert.Equal(t, "42", o.ID)

	require.Len(t, orderLog.orders, 1)
	assert.Equal(t, domain.OrderStatusMatched, orderLog.orders[0].Status)

	assert.Equal(t, OrdersChannel, bus.channel)
	var evt map[string]any
	require.NoError(t, json.Unmarshal(bus.payload, &evt))
	assert.Equal(t, "order_placed", evt["event"])
	assert.Equal(t, "0xabc", evt["order_id"])
}

func TestPlaceIOCOrderSellAmounts(t *testing.T) {
	clob := &fakeClob{result: domain.OrderResult{Success: true, Status: domain.OrderStatusMatched}}
	signer := &fakeSigner{}
	svc := NewOrderService(clob, signer, nil)

	res, err := svc.PlaceIOCOrder(context.Background(), "tok", domain.OrderSideSell, 0.25, 8)
	require.NoError(t, err)
	assert.NotEmpty(t, res.OrderID, "falls back to the salt")

	p := signer.payloads[0]
	assert.Equal(t, crypto.SideSell, p.Side)
	assert.Equal(t, "8000000", p.MakerAmount)
	assert.Equal(t, "2000000", p.TakerAmount)
	assert.Equal(t, p.Signer, p.Maker)
}

func TestPlaceIOCOrderRejects(t *testing.T) {
	tests := []struct {
		name  string
		side  domain.OrderSide
		price float64
		size  float64
		want  error
	}{
		{"below min notional", domain.OrderSideBuy, 0.5, 1.5, domain.ErrBelowMinNotional},
		{"bad side", "short", 0.5, 10, domain.ErrInvalidOrder},
		{"price zero", domain.OrderSideBuy, 0, 10, domain.ErrInvalidOrder},
		{"price one", domain.OrderSideBuy, 1, 10, domain.ErrInvalidOrder},
		{"size zero", domain.OrderSideBuy, 0.5, 0, domain.ErrInvalidOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clob := &fakeClob{}
			svc := NewOrderService(clob, &fakeSigner{}, nil)
			_, err := svc.PlaceIOCOrder(context.Background(), "tok", tt.side, tt.price, tt.size)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, clob.posted)
		})
	}
}

func TestPlaceIOCOrderPostFailure(t *testing.T) {
	clob := &fakeClob{err: domain.ErrRateLimited}
	orderLog := &memOrderLog{}
	bus := &memBus{}
	svc := NewOrderService(clob, &fakeSigner{}, nil, WithOrderLog(orderLog), WithBus(bus))

	_, err := svc.PlaceIOCOrder(context.Background(), "tok", domain.OrderSideBuy, 0.5, 10)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	require.Len(t, orderLog.orders, 1)
	assert.Equal(t, domain.OrderStatusFailed, orderLog.orders[0].Status)
	assert.Empty(t, bus.channel, "failed orders are not announced")
}

func TestPlaceIOCOrderSigningFailure(t *testing.T) {
	clob := &fakeClob{}
	svc := NewOrderService(clob, &fakeSigner{err: errors.New("bad key")}, nil)
	_, err := svc.PlaceIOCOrder(context.Background(), "tok", domain.OrderSideBuy, 0.5, 10)
	assert.ErrorIs(t, err, domain.ErrSigningFailed)
	assert.Empty(t, clob.posted)
}

type countingLimiter struct {
	budget int
	keys   []string
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	if l.budget == 0 {
		return false, nil
	}
	l.budget--
	return true, nil
}

func TestPlaceIOCOrderRateLimited(t *testing.T) {
	clob := &fakeClob{result: domain.OrderResult{Success: true, Status: domain.OrderStatusMatched}}
	signer := &fakeSigner{}
	limiter := &countingLimiter{budget: 1}
	bus := &memBus{}
	svc := NewOrderService(clob, signer, nil, WithRateLimiter(limiter), WithBus(bus))

	_, err := svc.PlaceIOCOrder(context.Background(), "tok", domain.OrderSideBuy, 0.5, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{OrdersStream}, bus.streams)

	_, err = svc.PlaceIOCOrder(context.Background(), "tok", domain.OrderSideBuy, 0.5, 4)
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Len(t, signer.payloads, 1)
	assert.Equal(t, "orders:"+signer.Address().Hex(), limiter.keys[0])
}

func TestOpenOrders(t *testing.T) {
	clob := &fakeClob{open: []domain.OpenOrder{{ID: "r1"}}}
	svc := NewOrderService(clob, &fakeSigner{}, nil)
	orders, err := svc.OpenOrders(context.Background(), "tok")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestPaperExecutor(t *testing.T) {
	orderLog := &memOrderLog{}
	p := NewPaperExecutor(orderLog, nil)

	res, err := p.PlaceIOCOrder(context.Background(), "tok", domain.OrderSideBuy, 0.4, 5)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.OrderStatusMatched, res.Status)
	assert.Equal(t, 5.0, res.FilledSize)
	assert.Len(t, p.Orders(), 1)
	assert.Len(t, orderLog.orders, 1)

	_, err = p.PlaceIOCOrder(context.Background(), "tok", domain.OrderSideBuy, 0.4, 1)
	assert.ErrorIs(t, err, domain.ErrBelowMinNotional)

	open, err := p.OpenOrders(context.Background(), "tok")
	require.NoError(t, err)
	assert.Empty(t, open)
}
