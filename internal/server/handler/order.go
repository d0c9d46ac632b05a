package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// RecordsHandler serves the order log and persisted replay runs.
type RecordsHandler struct {
	orders  domain.OrderLog
	replays domain.ReplayStore
	logger  *slog.Logger
}

// NewRecordsHandler creates a RecordsHandler. Either store may be nil; its
// routes then answer 404.
func NewRecordsHandler(orders domain.OrderLog, replays domain.ReplayStore, logger *slog.Logger) *RecordsHandler {
	return &RecordsHandler{orders: orders, replays: replays, logger: logger}
}

type listOrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

// ListOrders returns the newest logged orders of a market.
// GET /orders?market=...&limit=50
func (h *RecordsHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	if h.orders == nil {
		writeError(w, http.StatusNotFound, "order log disabled")
		return
	}
	market := r.URL.Query().Get("market")
	if market == "" {
		writeError(w, http.StatusBadRequest, "market query parameter required")
		return
	}

	orders, err := h.orders.ListByMarket(r.Context(), market, parseLimit(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list orders failed",
			slog.String("market", market),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: orders})
}

type replayResponse struct {
	Run   domain.ReplayRun `json:"run"`
	Fills []domain.SimFill `json:"fills"`
}

// GetReplay returns one replay run and its fill ledger.
// GET /replays/{id}
func (h *RecordsHandler) GetReplay(w http.ResponseWriter, r *http.Request) {
	if h.replays == nil {
		writeError(w, http.StatusNotFound, "replay store disabled")
		return
	}
	id := r.PathValue("id")

	run, err := h.replays.GetRun(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "replay not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get replay failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load replay")
		return
	}
	fills, err := h.replays.ListFills(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list replay fills failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load replay fills")
		return
	}
	if fills == nil {
		fills = []domain.SimFill{}
	}
	writeJSON(w, http.StatusOK, replayResponse{Run: run, Fills: fills})
}
