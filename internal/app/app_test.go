package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/backtest"
	s3blob "github.com/alanyoungcy/polybook/internal/blob/s3"
	"github.com/alanyoungcy/polybook/internal/config"
	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/platform/polymarket"
	"github.com/alanyoungcy/polybook/internal/service"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testConfig(mode string) *config.Config {
	cfg := config.Defaults()
	cfg.Mode = mode
	return &cfg
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte)}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	return out
}

type memReplayStore struct {
	runs  []domain.ReplayRun
	fills map[string][]domain.SimFill
}

func (s *memReplayStore) SaveRun(_ context.Context, run domain.ReplayRun, fills []domain.SimFill) error {
	if s.fills == nil {
		s.fills = make(map[string][]domain.SimFill)
	}
	s.runs = append(s.runs, run)
	s.fills[run.ID] = fills
	return nil
}

func (s *memReplayStore) GetRun(context.Context, string) (domain.ReplayRun, error) {
	return domain.ReplayRun{}, domain.ErrNotFound
}

func (s *memReplayStore) ListFills(_ context.Context, id string) ([]domain.SimFill, error) {
	return s.fills[id], nil
}

const recording = `{"event_type":"book","asset_id":"Y","market":"rain","side":"yes","bids":[{"price":"0.35","size":"10"}]}
{"event_type":"book","asset_id":"N","market":"rain","side":"no","bids":[{"price":"0.65","size":"10"}]}
{"event_type":"book","asset_id":"Y","market":"rain","side":"yes","bids":[{"price":"0.70","size":"10"}]}
`

func TestReplayModePersistsAndArchives(t *testing.T) {
	input := filepath.Join(t.TempDir(), "rain.jsonl")
	require.NoError(t, os.WriteFile(input, []byte(recording), 0o644))

	cfg := testConfig(config.ModeReplay)
	cfg.Replay.Input = input
	cfg.Replay.Archive = true

	blobs := newMemBlobs()
	store := &memReplayStore{}
	deps := &Dependencies{
		ReplayStore: store,
		BlobWriter:  blobs,
		Archiver:    s3blob.NewArchiver(blobs),
	}

	a := New(cfg, quietLogger())
	var out bytes.Buffer
	a.SetOutput(&out)
	require.NoError(t, a.ReplayMode(context.Background(), deps))

	var printed replayOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, 3, printed.Run.Messages)
	assert.Equal(t, 2, printed.Run.Trades)
	assert.InDelta(t, 1.75, printed.Run.Total, 1e-9)
	assert.Equal(t, "threshold", printed.Run.Strategy)
	assert.NotEmpty(t, printed.Run.ID)

	require.Len(t, store.runs, 1)
	assert.Equal(t, printed.Run.ID, store.runs[0].ID)
	assert.Len(t, store.fills[printed.Run.ID], 2)

	assert.Equal(t, s3blob.ReplayPrefix(store.runs[0]), printed.Archive)
	assert.ElementsMatch(t, []string{
		printed.Archive + "run.json",
		printed.Archive + "fills.jsonl",
	}, blobs.keys())
}

func TestReplayModeFromTradeHistory(t *testing.T) {
	input := filepath.Join(t.TempDir(), "trades.jsonl")
	require.NoError(t, backtest.SaveTradesJSONL(input, []domain.HistoricalTrade{
		{Asset: "Y", Outcome: "Yes", Slug: "rain", Price: 0.3, Size: 4, Timestamp: 1},
		{Asset: "Y", Outcome: "Yes", Slug: "rain", Price: 0.8, Size: 4, Timestamp: 2},
	}))

	cfg := testConfig(config.ModeReplay)
	cfg.Replay.Input = input
	cfg.Replay.Trades = true

	a := New(cfg, quietLogger())
	var out bytes.Buffer
	a.SetOutput(&out)
	require.NoError(t, a.ReplayMode(context.Background(), &Dependencies{}))

	var printed replayOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, 2, printed.Run.Messages)
	assert.Equal(t, 2, printed.Run.Trades)
	assert.Empty(t, printed.Archive)
}

func TestReplayModePairsWireRecordingThroughEvent(t *testing.T) {
	// venue wire frames name the instrument only
	wire := `{"event_type":"book","asset_id":"a-yes","market":"0xa","bids":[{"price":"0.35","size":"10"}]}
{"event_type":"book","asset_id":"a-no","market":"0xa","bids":[{"price":"0.65","size":"10"}]}
{"event_type":"book","asset_id":"a-yes","market":"0xa","bids":[{"price":"0.70","size":"10"}]}
`
	input := filepath.Join(t.TempDir(), "wire.jsonl")
	require.NoError(t, os.WriteFile(input, []byte(wire), 0o644))
	_, srv := startVenue(t)

	run := func(eventSlug string) replayOutput {
		cfg := testConfig(config.ModeReplay)
		cfg.Replay.Input = input
		cfg.Markets.EventSlug = eventSlug

		a := New(cfg, quietLogger())
		var out bytes.Buffer
		a.SetOutput(&out)
		require.NoError(t, a.ReplayMode(context.Background(), venueDeps(srv)))

		var printed replayOutput
		require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
		return printed
	}

	unpaired := run("")
	assert.Equal(t, 3, unpaired.Run.Messages)
	assert.Equal(t, 0, unpaired.Run.Trades)

	paired := run("weather")
	assert.Equal(t, 3, paired.Run.Messages)
	assert.Equal(t, 2, paired.Run.Trades)
	assert.InDelta(t, 1.75, paired.Run.Total, 1e-9)
}

func TestReplayModeS3WithoutBucket(t *testing.T) {
	cfg := testConfig(config.ModeReplay)
	cfg.Replay.Input = "s3://recordings/rain.jsonl"

	err := New(cfg, quietLogger()).ReplayMode(context.Background(), &Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3 is not enabled")
}

// venue serves the gamma, data and market websocket endpoints.
type venue struct {
	mu        sync.Mutex
	subscribe string
	tradeReqs []string
}

func (v *venue) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "weather", r.URL.Query().Get("slug"))
		_, _ = io.WriteString(w, `[{"slug":"weather","markets":[
			{"slug":"rain","conditionId":"0xa","clobTokenIds":"[\"a-yes\",\"a-no\"]"},
			{"slug":"snow","conditionId":"0xb","clobTokenIds":"[\"b-yes\",\"b-no\"]"}
		]}]`)
	})
	mux.HandleFunc("/trades", func(w http.ResponseWriter, r *http.Request) {
		market := r.URL.Query().Get("market")
		v.mu.Lock()
		v.tradeReqs = append(v.tradeReqs, market)
		v.mu.Unlock()
		if market != "0xa" {
			_, _ = io.WriteString(w, `[]`)
			return
		}
		_, _ = io.WriteString(w, `[{"asset":"a-yes","conditionId":"0xa","slug":"rain","side":"BUY","outcome":"Yes","price":"0.5","size":"2","timestamp":"1700000000"}]`)
	})
	mux.HandleFunc("/ws/market", func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, first, err := conn.ReadMessage()
		if err != nil {
			return
		}
		v.mu.Lock()
		v.subscribe = string(first)
		v.mu.Unlock()
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`[{"event_type":"book","asset_id":"a-yes","market":"0xa","bids":[{"price":"0.4","size":"3"}]}]`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	return mux
}

func startVenue(t *testing.T) (*venue, *httptest.Server) {
	t.Helper()
	v := &venue{}
	srv := httptest.NewServer(v.handler(t))
	t.Cleanup(srv.Close)
	return v, srv
}

func venueDeps(srv *httptest.Server) *Dependencies {
	return &Dependencies{
		Gamma: polymarket.NewGammaClient(srv.URL),
		Data:  polymarket.NewDataClient(srv.URL),
	}
}

func TestFetchTradesModeWholeEvent(t *testing.T) {
	v, srv := startVenue(t)

	cfg := testConfig(config.ModeFetchTrades)
	cfg.Markets.EventSlug = "weather"
	cfg.Fetch.Output = filepath.Join(t.TempDir(), "out", "trades.jsonl")
	cfg.Fetch.Upload = true

	blobs := newMemBlobs()
	deps := venueDeps(srv)
	deps.BlobWriter = blobs

	require.NoError(t, New(cfg, quietLogger()).FetchTradesMode(context.Background(), deps))

	assert.Equal(t, []string{"0xa", "0xb"}, v.tradeReqs)

	trades, err := backtest.LoadTrades(cfg.Fetch.Output)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "a-yes", trades[0].AssetID())
	assert.InDelta(t, 0.5, trades[0].Price, 1e-9)

	keys := blobs.keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "trades/"))
	assert.True(t, strings.HasSuffix(keys[0], "/trades.jsonl"))
}

func TestFetchTargets(t *testing.T) {
	_, srv := startVenue(t)
	deps := venueDeps(srv)

	cfg := testConfig(config.ModeFetchTrades)
	cfg.Fetch.ConditionID = "0xz"
	ids, err := New(cfg, quietLogger()).fetchTargets(context.Background(), deps)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xz"}, ids)

	cfg = testConfig(config.ModeFetchTrades)
	cfg.Markets.EventSlug = "weather"
	cfg.Markets.MarketSlug = "snow"
	ids, err = New(cfg, quietLogger()).fetchTargets(context.Background(), deps)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xb"}, ids)

	cfg.Markets.MarketSlug = "hail"
	_, err = New(cfg, quietLogger()).fetchTargets(context.Background(), deps)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWatchModeSubscribesResolvedInstruments(t *testing.T) {
	v, srv := startVenue(t)

	cfg := testConfig(config.ModeWatch)
	cfg.Markets.EventSlug = "weather"
	cfg.Markets.MarketSlug = "rain"
	cfg.Polymarket.WsHost = "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := New(cfg, quietLogger()).WatchMode(ctx, venueDeps(srv))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	v.mu.Lock()
	sub := v.subscribe
	v.mu.Unlock()
	assert.Contains(t, sub, "a-yes")
	assert.Contains(t, sub, "a-no")
	assert.NotContains(t, sub, "b-yes")
}

func TestRecordModeWritesFile(t *testing.T) {
	_, srv := startVenue(t)

	cfg := testConfig(config.ModeRecord)
	cfg.Markets.EventSlug = "weather"
	cfg.Record.Dir = t.TempDir()
	cfg.Polymarket.WsHost = "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := New(cfg, quietLogger()).RecordMode(ctx, venueDeps(srv))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	files, err := filepath.Glob(filepath.Join(cfg.Record.Dir, "weather-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	body, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(body), `"side":"yes"`)
	assert.Contains(t, string(body), `"market":"rain"`)
}

func TestBuildExecutorDryRun(t *testing.T) {
	cfg := testConfig(config.ModeLive)
	a := New(cfg, quietLogger())
	exec, err := a.buildExecutor(context.Background(), &Dependencies{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &service.PaperExecutor{}, exec)
}

func TestBuildExecutorBadKey(t *testing.T) {
	cfg := testConfig(config.ModeLive)
	cfg.Trading.DryRun = false
	cfg.Wallet.PrivateKey = "not-hex"
	_, err := New(cfg, quietLogger()).buildExecutor(context.Background(), &Dependencies{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet key")
}

func TestModeResult(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, modeResult(ctx, domain.ErrFeedClosed))
	boom := errors.New("boom")
	assert.ErrorIs(t, modeResult(ctx, boom), boom)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, modeResult(cancelled, boom), context.Canceled)

	assert.ErrorIs(t, feedDone(nil), domain.ErrFeedClosed)
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := testConfig("full")
	a := New(cfg, quietLogger())
	defer a.Close()
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported mode")
}
