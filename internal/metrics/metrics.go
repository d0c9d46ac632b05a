// Package metrics holds the Prometheus collectors of the feed, decision
// loop and replay engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "polybook"

var (
	FramesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "frames_received_total",
			Help:      "Inbound websocket frames",
		},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames or objects not applied to a book",
		},
		[]string{"reason"},
	)

	BooksApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "books_applied_total",
			Help:      "Book events applied to the registry",
		},
	)

	HandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "handler_failures_total",
			Help:      "Book handler errors and recovered panics",
		},
		[]string{"kind"},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Connections re-opened by the supervisor",
		},
	)

	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "evaluations_total",
			Help:      "Decision loop evaluations by outcome",
		},
		[]string{"outcome"},
	)

	ProviderLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "provider_duration_seconds",
			Help:      "Latency of decision provider calls",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	OrdersPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "orders_total",
			Help:      "IOC orders submitted by status",
		},
		[]string{"side", "status"},
	)

	ReplayMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "messages_total",
			Help:      "Book messages replayed",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
