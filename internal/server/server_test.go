package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/server/handler"
)

type memOrders struct {
	byMarket map[string][]domain.Order
	lastLim  int
}

func (m *memOrders) Record(context.Context, domain.Order, domain.OrderResult) error { return nil }

func (m *memOrders) ListByMarket(_ context.Context, market string, limit int) ([]domain.Order, error) {
	m.lastLim = limit
	return m.byMarket[market], nil
}

type memReplays struct {
	runs map[string]domain.ReplayRun
}

func (m *memReplays) SaveRun(context.Context, domain.ReplayRun, []domain.SimFill) error { return nil }

func (m *memReplays) GetRun(_ context.Context, id string) (domain.ReplayRun, error) {
	run, ok := m.runs[id]
	if !ok {
		return domain.ReplayRun{}, domain.ErrNotFound
	}
	return run, nil
}

func (m *memReplays) ListFills(context.Context, string) ([]domain.SimFill, error) { return nil, nil }

func newTestServer(t *testing.T, apiKey string, checkers []handler.Checker) (*Server, *memOrders) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	orders := &memOrders{byMarket: map[string][]domain.Order{
		"rain": {{ID: "o1", Market: "rain"}},
	}}
	replays := &memReplays{runs: map[string]domain.ReplayRun{
		"r1": {ID: "r1", Strategy: "threshold", Trades: 2},
	}}
	report := handler.ReporterFunc(func() domain.BookReport {
		return domain.BookReport{Instruments: 2, Markets: []domain.MarketBookReport{{Market: "rain", YesDepth: 3}}}
	})
	s := NewServer(Config{Addr: ":0", APIKey: apiKey}, Handlers{
		Health:  handler.NewHealthHandler("watch", report, checkers, logger),
		Records: handler.NewRecordsHandler(orders, replays, logger),
	}, logger)
	return s, orders
}

func get(t *testing.T, h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReportsDegradedDependencies(t *testing.T) {
	s, _ := newTestServer(t, "", []handler.Checker{
		{Name: "redis", Check: func(context.Context) error { return nil }},
		{Name: "postgres", Check: func(context.Context) error { return errors.New("down") }},
	})

	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status       string            `json:"status"`
		Mode         string            `json:"mode"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "watch", body.Mode)
	assert.Equal(t, "ok", body.Dependencies["redis"])
	assert.Equal(t, "down", body.Dependencies["postgres"])
}

func TestReportAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, "", nil)

	rec := get(t, s.Handler(), "/report")
	require.Equal(t, http.StatusOK, rec.Code)
	var report domain.BookReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 2, report.Instruments)
	assert.Equal(t, "rain", report.Markets[0].Market)

	rec = get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "polybook_feed_frames_received_total")
}

func TestReportWithoutFeed(t *testing.T) {
	h := handler.NewHealthHandler("replay", nil, nil, slog.New(slog.DiscardHandler))
	s := NewServer(Config{Addr: ":0"}, Handlers{Health: h}, nil)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/report").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/orders?market=rain").Code)
}

func TestOrdersRoute(t *testing.T) {
	s, orders := newTestServer(t, "", nil)

	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/orders").Code)

	rec := get(t, s.Handler(), "/orders?market=rain&limit=9999")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 500, orders.lastLim)
	assert.Contains(t, rec.Body.String(), `"o1"`)

	rec = get(t, s.Handler(), "/orders?market=snow")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"orders":[]}`, rec.Body.String())
}

func TestReplayRoute(t *testing.T) {
	s, _ := newTestServer(t, "", nil)

	rec := get(t, s.Handler(), "/replays/r1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"strategy":"threshold"`)
	assert.Contains(t, rec.Body.String(), `"fills":[]`)

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/replays/nope").Code)
}

func TestAPIKeyGuardsRecords(t *testing.T) {
	s, _ := newTestServer(t, "secret", nil)

	assert.Equal(t, http.StatusUnauthorized, get(t, s.Handler(), "/orders?market=rain").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, s.Handler(), "/orders?market=rain", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/orders?market=rain", "X-API-Key", "secret").Code)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/replays/r1", "Authorization", "Bearer secret").Code)
	// Liveness stays open.
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/healthz").Code)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0"}, Handlers{
		Health: handler.NewHealthHandler("watch", nil, nil, slog.New(slog.DiscardHandler)),
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
