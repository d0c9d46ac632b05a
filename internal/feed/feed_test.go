package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/book"
	"github.com/alanyoungcy/polybook/internal/domain"
)

// fakeVenue is a websocket server that records what the client sends and
// pushes scripted frames after the handshake.
type fakeVenue struct {
	t        *testing.T
	frames   []string
	closeOut bool // hang up after sending frames

	mu       sync.Mutex
	received []string
	conns    int
}

func (v *fakeVenue) handler(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	v.mu.Lock()
	v.conns++
	v.mu.Unlock()

	_, first, err := conn.ReadMessage()
	if err != nil {
		return
	}
	v.record(string(first))

	for _, f := range v.frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			return
		}
	}
	if v.closeOut {
		return
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		v.record(string(msg))
		if string(msg) == "PING" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte("PONG"))
		}
	}
}

func (v *fakeVenue) record(s string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.received = append(v.received, s)
}

func (v *fakeVenue) messages() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.received...)
}

func (v *fakeVenue) connections() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conns
}

func startVenue(t *testing.T, v *fakeVenue) string {
	t.Helper()
	v.t = t
	srv := httptest.NewServer(http.HandlerFunc(v.handler))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type pairRecorder struct {
	mu    sync.Mutex
	pairs []domain.BookPair
}

func (p *pairRecorder) OnBook(_ context.Context, pair domain.BookPair) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pairs = append(p.pairs, pair)
	return nil
}

func (p *pairRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pairs)
}

func TestConnectionHandshakeAndHeartbeat(t *testing.T) {
	v := &fakeVenue{}
	url := startVenue(t, v)

	conn := NewConnection(Config{URL: url, AssetIDs: []string{"Y", "N"}, HeartbeatInterval: 20 * time.Millisecond}, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Run(ctx) }()

	require.Eventually(t, func() bool {
		pings := 0
		for _, m := range v.messages() {
			if m == "PING" {
				pings++
			}
		}
		return pings >= 2
	}, 2*time.Second, 10*time.Millisecond)

	msgs := v.messages()
	var hs map[string]any
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &hs))
	assert.Equal(t, "market", hs["type"])
	assert.Equal(t, []any{"Y", "N"}, hs["assets_ids"])

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConnectionAppliesBooksInOrder(t *testing.T) {
	v := &fakeVenue{frames: []string{
		`PONG`,
		`[{"event_type":"book","asset_id":"A","market":"m","outcome":"Yes","bids":[{"price":"0.40","size":"10"}],"asks":[{"price":"0.42","size":"5"}]}]`,
		`{"event_type":"price_change","asset_id":"A"}`,
		`{"event_type":"book","asset_id":"A","market":"m","outcome":"Yes","bids":[{"price":"0.40","size":"0"}]}`,
	}}
	url := startVenue(t, v)

	rec := &pairRecorder{}
	reg := book.NewRegistry()
	conn := NewConnection(Config{URL: url, AssetIDs: []string{"A"}}, reg, rec, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = conn.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	snap, ok := reg.Snapshot("A")
	require.True(t, ok)
	assert.Empty(t, snap.Bids)
	assert.Equal(t, []domain.PriceLevel{{Price: 0.42, Size: 5}}, snap.Asks)

	rep := conn.Report()
	assert.Equal(t, 1, rep.Instruments)
	require.NoError(t, conn.Close())
}

func TestConnectionSurvivesHandlerFailures(t *testing.T) {
	v := &fakeVenue{frames: []string{
		`{"event_type":"book","asset_id":"A","outcome":"Yes","bids":[{"price":"0.1","size":"1"}]}`,
		`{"event_type":"book","asset_id":"A","outcome":"Yes","bids":[{"price":"0.2","size":"1"}]}`,
		`{"event_type":"book","asset_id":"A","outcome":"Yes","bids":[{"price":"0.3","size":"1"}]}`,
	}}
	url := startVenue(t, v)

	var calls atomic.Int32
	h := BookHandlerFunc(func(context.Context, domain.BookPair) error {
		switch calls.Add(1) {
		case 1:
			panic("strategy exploded")
		case 2:
			return errors.New("strategy failed")
		}
		return nil
	})

	reg := book.NewRegistry()
	conn := NewConnection(Config{URL: url, AssetIDs: []string{"A"}}, reg, h, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = conn.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	snap, _ := reg.Snapshot("A")
	assert.Equal(t, 0.3, snap.Bids[0].Price)
}

func TestConnectionCloseIdempotent(t *testing.T) {
	conn := NewConnection(Config{URL: "ws://127.0.0.1:1", AssetIDs: []string{"A"}}, nil, nil, nil, nil)
	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())

	err := conn.Open(context.Background())
	assert.ErrorIs(t, err, domain.ErrFeedClosed)

	select {
	case <-conn.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestConnectionCloseEndsRun(t *testing.T) {
	v := &fakeVenue{}
	url := startVenue(t, v)
	conn := NewConnection(Config{URL: url, AssetIDs: []string{"A"}}, nil, nil, nil, nil)
	require.NoError(t, conn.Open(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Run(context.Background()) }()

	require.NoError(t, conn.Close())
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.NoError(t, conn.Close())
}

func TestConnectionRunAfterCloseReturnsNil(t *testing.T) {
	v := &fakeVenue{}
	url := startVenue(t, v)
	conn := NewConnection(Config{URL: url, AssetIDs: []string{"A"}}, nil, nil, nil, nil)
	require.NoError(t, conn.Open(context.Background()))
	require.NoError(t, conn.Close())

	assert.NoError(t, conn.Run(context.Background()))

	never := NewConnection(Config{URL: url, AssetIDs: []string{"A"}}, nil, nil, nil, nil)
	require.NoError(t, never.Close())
	assert.NoError(t, never.Run(context.Background()))
}

func TestConnectionCloseDoesNotWaitForHandshake(t *testing.T) {
	// accepts TCP but never answers the upgrade
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu   sync.Mutex
		held  []net.Conn
	)
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range held {
			c.Close()
		}
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, c)
			mu.Unlock()
		}
	}()

	conn := NewConnection(Config{
		URL:              "ws://" + ln.Addr().String(),
		AssetIDs:         []string{"A"},
		HandshakeTimeout: 2 * time.Second,
	}, nil, nil, nil, nil)

	openErr := make(chan error, 1)
	go func() { openErr <- conn.Open(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, conn.Close())
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	select {
	case err := <-openErr:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Open did not return")
	}
}

func TestConnectionRequiresInstruments(t *testing.T) {
	conn := NewConnection(Config{URL: "ws://unused"}, nil, nil, nil, nil)
	assert.ErrorIs(t, conn.Open(context.Background()), domain.ErrNoInstruments)
}

func TestConnectionReportsPeerHangup(t *testing.T) {
	v := &fakeVenue{closeOut: true}
	url := startVenue(t, v)
	conn := NewConnection(Config{URL: url, AssetIDs: []string{"A"}}, nil, nil, nil, nil)
	err := conn.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrWSDisconnect)
}

func TestHandleFrameFiltersAndTaps(t *testing.T) {
	tap := &tapRecorder{}
	rec := &pairRecorder{}
	conn := NewConnection(Config{AssetIDs: []string{"A"}}, nil, rec, tap, nil)

	conn.HandleFrame(context.Background(), []byte("not json"))
	conn.HandleFrame(context.Background(), []byte(`[1, {"event_type":"last_trade_price"}, {"event_type":"book","asset_id":""}]`))
	assert.Equal(t, 0, rec.count())
	assert.Empty(t, tap.objects)

	conn.HandleFrame(context.Background(), []byte(`[{"event_type":"book","asset_id":"A","market":"m","outcome":"Yes"},{"event_type":"book","asset_id":"B","market":"m","outcome":"No"}]`))
	assert.Equal(t, 2, rec.count())
	assert.Len(t, tap.objects, 2)
	assert.Equal(t, 2, conn.Registry().Len())
}

func TestHandleFrameSkipsUnpairedBooks(t *testing.T) {
	rec := &pairRecorder{}
	conn := NewConnection(Config{AssetIDs: []string{"X"}}, nil, rec, nil, nil)

	conn.HandleFrame(context.Background(), []byte(`{"event_type":"book","asset_id":"X","market":"0xcond","bids":[{"price":"0.3","size":"1"}]}`))
	assert.Equal(t, 0, rec.count())
	snap, ok := conn.Registry().Snapshot("X")
	require.True(t, ok)
	assert.Len(t, snap.Bids, 1)
}

type tapRecorder struct {
	objects []string
}

func (t *tapRecorder) Record(obj []byte) {
	t.objects = append(t.objects, string(obj))
}

func TestSupervisorReconnects(t *testing.T) {
	v := &fakeVenue{closeOut: true, frames: []string{`{"event_type":"book","asset_id":"A"}`}}
	url := startVenue(t, v)

	reg := book.NewRegistry()
	sup := &Supervisor{
		New: func() *Connection {
			return NewConnection(Config{URL: url, AssetIDs: []string{"A"}}, reg, nil, nil, nil)
		},
		Reconnect: true,
		Delay:     10 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return v.connections() >= 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 1, reg.Len())
}

func TestSupervisorWithoutReconnectReturns(t *testing.T) {
	v := &fakeVenue{closeOut: true}
	url := startVenue(t, v)
	sup := &Supervisor{New: func() *Connection {
		return NewConnection(Config{URL: url, AssetIDs: []string{"A"}}, nil, nil, nil, nil)
	}}
	err := sup.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrWSDisconnect)
	assert.Equal(t, 1, v.connections())
}
