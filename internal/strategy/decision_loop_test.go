package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type placed struct {
	instrument string
	side       domain.OrderSide
	price      float64
	size       float64
}

type fakeExecutor struct {
	mu       sync.Mutex
	orders   []placed
	open     map[string][]domain.OpenOrder
	openErr  error
	placeErr error
	partial  float64 // when set, fills only this much
}

func (e *fakeExecutor) PlaceIOCOrder(_ context.Context, id string, side domain.OrderSide, price, size float64) (domain.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.placeErr != nil {
		return domain.OrderResult{}, e.placeErr
	}
	e.orders = append(e.orders, placed{id, side, price, size})
	filled := size
	if e.partial > 0 {
		filled = e.partial
	}
	return domain.OrderResult{Success: true, OrderID: "o1", Status: domain.OrderStatusMatched, FilledSize: filled, FilledPrice: price}, nil
}

func (e *fakeExecutor) OpenOrders(_ context.Context, id string) ([]domain.OpenOrder, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	return e.open[id], nil
}

func (e *fakeExecutor) placed() []placed {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]placed(nil), e.orders...)
}

type scriptedProvider struct {
	mu        sync.Mutex
	decisions []domain.IOCDecision
	err       error
	inputs    []domain.DecisionInput
}

func (p *scriptedProvider) Decide(_ context.Context, in domain.DecisionInput) (domain.IOCDecision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs = append(p.inputs, in)
	if p.err != nil {
		return domain.IOCDecision{}, p.err
	}
	if len(p.decisions) == 0 {
		return domain.IOCDecision{Action: domain.ActionHold}, nil
	}
	d := p.decisions[0]
	p.decisions = p.decisions[1:]
	return d, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inputs)
}

func testPair() domain.BookPair {
	levels := func(prices ...float64) []domain.PriceLevel {
		out := make([]domain.PriceLevel, 0, len(prices))
		for _, p := range prices {
			out = append(out, domain.PriceLevel{Price: p, Size: 10})
		}
		return out
	}
	return domain.BookPair{
		Market: "rain",
		Yes:    &domain.BookSnapshot{InstrumentID: "Y", Market: "rain", Outcome: domain.OutcomeYes, Bids: levels(0.5, 0.49, 0.48), Asks: levels(0.52, 0.53)},
		No:     &domain.BookSnapshot{InstrumentID: "N", Market: "rain", Outcome: domain.OutcomeNo, Bids: levels(0.47), Asks: levels(0.5)},
	}
}

func newLoop(cfg Config, p DecisionProvider, e Executor, clock *fakeClock, opts ...Option) *DecisionLoop {
	return NewDecisionLoop(cfg, p, e, nil, append([]Option{WithClock(clock.Now)}, opts...)...)
}

func TestDecisionLoopThrottle(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	p := &scriptedProvider{}
	loop := newLoop(Config{MaxSize: 10}, p, &fakeExecutor{}, clock)
	ctx := context.Background()

	require.NoError(t, loop.OnBook(ctx, testPair()))
	clock.Advance(29 * time.Second)
	require.NoError(t, loop.OnBook(ctx, testPair()))
	assert.Equal(t, 1, p.calls())

	clock.Advance(time.Second)
	require.NoError(t, loop.OnBook(ctx, testPair()))
	assert.Equal(t, 2, p.calls())

	other := testPair()
	other.Market = "snow"
	require.NoError(t, loop.OnBook(ctx, other))
	assert.Equal(t, 3, p.calls(), "throttle is per market")
}

func TestDecisionLoopProviderErrorAdvancesThrottle(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	p := &scriptedProvider{err: errors.New("upstream timeout")}
	exec := &fakeExecutor{}
	loop := newLoop(Config{MaxSize: 10}, p, exec, clock)

	err := loop.OnBook(context.Background(), testPair())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream timeout")

	require.NoError(t, loop.OnBook(context.Background(), testPair()))
	assert.Equal(t, 1, p.calls())
	assert.Empty(t, exec.placed())
}

func TestDecisionLoopIgnoresPairWithoutBooks(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	p := &scriptedProvider{}
	exec := &fakeExecutor{}
	loop := newLoop(Config{MaxSize: 10}, p, exec, clock)
	ctx := context.Background()

	require.NoError(t, loop.OnBook(ctx, domain.BookPair{Market: "rain"}))
	assert.Equal(t, 0, p.calls())

	// the empty pair must not have used up the throttle window
	require.NoError(t, loop.OnBook(ctx, testPair()))
	assert.Equal(t, 1, p.calls())
	assert.Empty(t, exec.placed())
}

func TestDecisionLoopClampsSize(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		size float64
		want float64
	}{
		{"max position binds", Config{MaxSize: 10, MaxPosition: 4}, 100, 4},
		{"max size binds", Config{MaxSize: 3, MaxPosition: 8}, 5, 3},
		{"position defaults to size", Config{MaxSize: 6}, 50, 6},
		{"decision below caps", Config{MaxSize: 10, MaxPosition: 10}, 2.5, 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{decisions: []domain.IOCDecision{
				{Action: domain.ActionBuy, Outcome: domain.OutcomeYes, Price: 0.52, Size: tt.size},
			}}
			exec := &fakeExecutor{}
			loop := newLoop(tt.cfg, p, exec, &fakeClock{})
			require.NoError(t, loop.OnBook(context.Background(), testPair()))

			orders := exec.placed()
			require.Len(t, orders, 1)
			assert.Equal(t, placed{"Y", domain.OrderSideBuy, 0.52, tt.want}, orders[0])
		})
	}
}

func TestDecisionLoopSkips(t *testing.T) {
	tests := []struct {
		name     string
		decision domain.IOCDecision
	}{
		{"hold", domain.IOCDecision{Action: domain.ActionHold, Outcome: domain.OutcomeYes, Price: 0.5, Size: 5}},
		{"zero size", domain.IOCDecision{Action: domain.ActionBuy, Outcome: domain.OutcomeYes, Price: 0.5, Size: 0}},
		{"negative size", domain.IOCDecision{Action: domain.ActionBuy, Outcome: domain.OutcomeYes, Price: 0.5, Size: -3}},
		{"sell while flat", domain.IOCDecision{Action: domain.ActionSell, Outcome: domain.OutcomeYes, Price: 0.5, Size: 5}},
		{"unknown action", domain.IOCDecision{Action: "short", Outcome: domain.OutcomeYes, Price: 0.5, Size: 5}},
		{"unknown outcome", domain.IOCDecision{Action: domain.ActionBuy, Outcome: "maybe", Price: 0.5, Size: 5}},
		{"price above one", domain.IOCDecision{Action: domain.ActionBuy, Outcome: domain.OutcomeNo, Price: 1.2, Size: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{decisions: []domain.IOCDecision{tt.decision}}
			exec := &fakeExecutor{}
			loop := newLoop(Config{MaxSize: 10}, p, exec, &fakeClock{})
			require.NoError(t, loop.OnBook(context.Background(), testPair()))
			assert.Empty(t, exec.placed())
		})
	}
}

func TestDecisionLoopTracksPositionsForSells(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	p := &scriptedProvider{decisions: []domain.IOCDecision{
		{Action: domain.ActionBuy, Outcome: domain.OutcomeNo, Price: 0.5, Size: 4},
		{Action: domain.ActionSell, Outcome: domain.OutcomeNo, Price: 0.47, Size: 3},
	}}
	exec := &fakeExecutor{}
	loop := newLoop(Config{MaxSize: 10, Throttle: time.Second}, p, exec, clock)
	ctx := context.Background()

	require.NoError(t, loop.OnBook(ctx, testPair()))
	_, no := loop.Position("rain")
	assert.Equal(t, 4.0, no)

	clock.Advance(time.Second)
	require.NoError(t, loop.OnBook(ctx, testPair()))
	_, no = loop.Position("rain")
	assert.Equal(t, 1.0, no)

	orders := exec.placed()
	require.Len(t, orders, 2)
	assert.Equal(t, placed{"N", domain.OrderSideSell, 0.47, 3}, orders[1])
	assert.Equal(t, 4.0, p.inputs[1].Exposure.PositionNo)
}

func TestDecisionLoopPartialFill(t *testing.T) {
	p := &scriptedProvider{decisions: []domain.IOCDecision{
		{Action: domain.ActionBuy, Outcome: domain.OutcomeYes, Price: 0.52, Size: 5},
	}}
	exec := &fakeExecutor{partial: 2}
	loop := newLoop(Config{MaxSize: 10}, p, exec, &fakeClock{})
	require.NoError(t, loop.OnBook(context.Background(), testPair()))
	yes, _ := loop.Position("rain")
	assert.Equal(t, 2.0, yes)
}

func TestDecisionLoopProviderInput(t *testing.T) {
	p := &scriptedProvider{}
	exec := &fakeExecutor{open: map[string][]domain.OpenOrder{
		"Y": {{ID: "r1", AssetID: "Y", Side: domain.OrderSideBuy, Price: 0.4, OriginalSize: 5}},
	}}
	loop := newLoop(Config{MaxSize: 8, Depth: 2}, p, exec, &fakeClock{})
	loop.AddSignal(domain.Signal{ID: "s1", Text: "cloudy"})
	loop.AddSignal(domain.Signal{ID: "s1", Text: "cloudy again"})

	pair := testPair()
	require.NoError(t, loop.OnBook(context.Background(), pair))
	require.Equal(t, 1, p.calls())

	in := p.inputs[0]
	assert.Equal(t, "rain", in.Market)
	assert.Len(t, in.Yes.Bids, 2)
	assert.Len(t, in.No.Bids, 1)
	assert.Len(t, pair.Yes.Bids, 3, "caller's snapshot untouched")
	assert.Equal(t, domain.Limits{MaxSize: 8, MaxPosition: 8}, in.Limits)
	require.Len(t, in.Signals, 1)
	assert.Equal(t, "cloudy", in.Signals[0].Text)
	require.Len(t, in.Exposure.OpenOrders, 1)
	assert.Equal(t, "r1", in.Exposure.OpenOrders[0].ID)
}

func TestDecisionLoopExposureError(t *testing.T) {
	p := &scriptedProvider{}
	exec := &fakeExecutor{openErr: domain.ErrRateLimited}
	loop := newLoop(Config{MaxSize: 8}, p, exec, &fakeClock{})
	err := loop.OnBook(context.Background(), testPair())
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 0, p.calls())
}

type staticInstruments map[string]domain.MarketInstruments

func (s staticInstruments) Market(slug string) (domain.MarketInstruments, bool) {
	m, ok := s[slug]
	return m, ok
}

func TestDecisionLoopResolvesMissingSide(t *testing.T) {
	p := &scriptedProvider{decisions: []domain.IOCDecision{
		{Action: domain.ActionBuy, Outcome: domain.OutcomeNo, Price: 0.5, Size: 1},
	}}
	exec := &fakeExecutor{}
	loop := newLoop(Config{MaxSize: 8}, p, exec, &fakeClock{},
		WithInstruments(staticInstruments{"rain": {Slug: "rain", Yes: "Y", No: "N"}}))

	pair := testPair()
	pair.No = nil
	require.NoError(t, loop.OnBook(context.Background(), pair))
	require.Len(t, exec.placed(), 1)
	assert.Equal(t, "N", exec.placed()[0].instrument)
}

func TestDecisionLoopDropsTriggersWhileEvaluating(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int
	p := DecisionProviderFunc(func(context.Context, domain.DecisionInput) (domain.IOCDecision, error) {
		calls++
		close(entered)
		<-release
		return domain.IOCDecision{Action: domain.ActionHold}, nil
	})
	loop := newLoop(Config{MaxSize: 1}, p, &fakeExecutor{}, &fakeClock{})

	done := make(chan error, 1)
	go func() { done <- loop.OnBook(context.Background(), testPair()) }()
	<-entered

	other := testPair()
	other.Market = "snow"
	require.NoError(t, loop.OnBook(context.Background(), other))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, calls)
}

type chanBus struct {
	ch      chan []byte
	channel string
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.channel = channel
	return b.ch, nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestFollowSignals(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 4)}
	loop := newLoop(Config{MaxSize: 1}, &scriptedProvider{}, &fakeExecutor{}, &fakeClock{t: time.Unix(50, 0)})

	raw, _ := json.Marshal(domain.Signal{ID: "a", Text: "first"})
	bus.ch <- raw
	bus.ch <- []byte("garbage")
	bus.ch <- raw
	bus.ch <- []byte(`{"id":"b","text":"second","timestamp":"2026-01-02T03:04:05Z"}`)
	close(bus.ch)

	require.NoError(t, loop.FollowSignals(context.Background(), bus, "rain"))
	assert.Equal(t, "signals:rain", bus.channel)

	items := loop.Signals()
	require.Len(t, items, 2)
	assert.Equal(t, time.Unix(50, 0).UTC(), items[0].Timestamp)
	assert.Equal(t, "b", items[1].ID)
}

type streamBus struct {
	chanBus
	entries []domain.StreamMessage
	reads   []string
}

func (b *streamBus) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	b.reads = append(b.reads, stream+"@"+lastID)
	var out []domain.StreamMessage
	for _, e := range b.entries {
		if e.ID > lastID && len(out) < count {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestBackfillSignalsPagesThroughStream(t *testing.T) {
	bus := &streamBus{}
	for i := range 105 {
		raw, _ := json.Marshal(domain.Signal{ID: fmt.Sprintf("s%03d", i), Text: "x"})
		bus.entries = append(bus.entries, domain.StreamMessage{ID: fmt.Sprintf("2000-%03d", i), Payload: raw})
	}
	bus.entries = append(bus.entries, domain.StreamMessage{ID: "2000-999", Payload: []byte("garbage")})

	loop := newLoop(Config{MaxSize: 1, WindowSize: 3}, &scriptedProvider{}, &fakeExecutor{}, &fakeClock{})
	n, err := loop.BackfillSignals(context.Background(), bus, "rain", time.UnixMilli(1000))
	require.NoError(t, err)
	assert.Equal(t, 105, n)
	assert.Equal(t, []string{"signals:rain:log@1000-0", "signals:rain:log@2000-099"}, bus.reads)

	items := loop.Signals()
	require.Len(t, items, 3)
	assert.Equal(t, "s104", items[2].ID)
}

func TestClampSize(t *testing.T) {
	limits := domain.Limits{MaxSize: 5, MaxPosition: 3}
	assert.Equal(t, 3.0, ClampSize(10, limits))
	assert.Equal(t, 1.5, ClampSize(1.5, limits))
	assert.Equal(t, 0.0, ClampSize(-1, limits))
}
