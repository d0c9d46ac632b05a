package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// Reporter produces the current book report.
type Reporter interface {
	Report() domain.BookReport
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func() domain.BookReport

// Report calls f.
func (f ReporterFunc) Report() domain.BookReport { return f() }

// Checker is a named dependency probe, e.g. a Redis ping.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler serves /healthz and /report.
type HealthHandler struct {
	mode     string
	reporter Reporter
	checkers []Checker
	started  time.Time
	logger   *slog.Logger
}

// NewHealthHandler creates a HealthHandler. reporter may be nil in modes
// without a feed.
func NewHealthHandler(mode string, reporter Reporter, checkers []Checker, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		mode:     mode,
		reporter: reporter,
		checkers: checkers,
		started:  time.Now(),
		logger:   logger,
	}
}

// HealthCheck answers 200 when every checker passes and 503 otherwise.
// GET /healthz
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checkers))
	for _, c := range h.checkers {
		if err := c.Check(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed",
				slog.String("dependency", c.Name),
				slog.String("error", err.Error()),
			)
			deps[c.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[c.Name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":       state,
		"mode":         h.mode,
		"uptime":       time.Since(h.started).Round(time.Second).String(),
		"dependencies": deps,
	})
}

// GetReport returns the book report of the running feed.
// GET /report
func (h *HealthHandler) GetReport(w http.ResponseWriter, _ *http.Request) {
	if h.reporter == nil {
		writeError(w, http.StatusNotFound, "no feed in mode "+h.mode)
		return
	}
	writeJSON(w, http.StatusOK, h.reporter.Report())
}
