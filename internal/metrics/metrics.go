// Package metrics provides Prometheus instrumentation for the binary engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PlacementsTotal counts persisted placements by side and whether the
	// participant landed directly under the requested sponsor.
	PlacementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "binary_placements_total",
		Help: "Total number of tree placements",
	}, []string{"side", "direct"})

	// PlacementDepth tracks how far below the sponsor placements land.
	PlacementDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "binary_placement_depth",
		Help:    "Levels walked below the sponsor to find an open slot",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
	})

	// VolumePropagations counts propagation calls by outcome.
	VolumePropagations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "binary_volume_propagations_total",
		Help: "Volume propagation calls by outcome",
	}, []string{"outcome"})

	// VolumeCredited counts PV credited across all ancestors.
	VolumeCredited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "binary_volume_credited_total",
		Help: "Cumulative PV credited to ancestor legs",
	})

	// SettlementsTotal counts settle calls by outcome (settled, skipped
	// reason, failed).
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "binary_settlements_total",
		Help: "Settlement attempts by outcome",
	}, []string{"outcome"})

	// SettlementIncome tracks cumulative matching income paid.
	SettlementIncome = promauto.NewCounter(prometheus.CounterOpts{
		Name: "binary_settlement_income_total",
		Help: "Cumulative matching income paid",
	})

	// SettlementConflicts counts optimistic-concurrency retries.
	SettlementConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "binary_settlement_conflicts_total",
		Help: "Settlement commits rejected by a version check",
	})

	// BatchDuration tracks SettleAll run time.
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "binary_settlement_batch_seconds",
		Help:    "Settlement batch duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "binary_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "binary_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "binary_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
