// Package metrics provides Prometheus instrumentation for the insurance engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transitions counts applied state transitions, partitioned by target state.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insurance_transitions_total",
		Help: "Total number of contract state transitions applied",
	}, []string{"state"})

	// LedgerCommandFailures counts ledger commands that returned an error.
	LedgerCommandFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insurance_ledger_command_failures_total",
		Help: "Ledger commands that failed to submit",
	}, []string{"command"})

	// LedgerEvents counts ledger events received, by kind.
	LedgerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insurance_ledger_events_total",
		Help: "Ledger events received",
	}, []string{"kind"})

	// LockContention counts lock acquisitions that found the key held.
	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insurance_lock_contention_total",
		Help: "Lock acquisitions skipped because the contract was busy",
	})

	// SweepDuration tracks how long each reconciliation sweep takes.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "insurance_sweep_duration_seconds",
		Help:    "Reconciliation sweep duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"sweep"})

	// SweepSkipped counts ticks dropped because the previous sweep was still running.
	SweepSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insurance_sweep_skipped_total",
		Help: "Sweep ticks dropped while a previous run was in progress",
	}, []string{"sweep"})

	// SweepItemErrors counts per-contract errors swallowed by a sweep.
	SweepItemErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insurance_sweep_item_errors_total",
		Help: "Per-contract sweep errors",
	}, []string{"sweep"})

	// PriceTicks counts ticks recorded per symbol.
	PriceTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insurance_price_ticks_total",
		Help: "Price ticks recorded",
	}, []string{"symbol"})

	// PriceFallbackFailures counts REST fallback lookups that failed.
	PriceFallbackFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insurance_price_fallback_failures_total",
		Help: "Market-data fallback lookups that failed",
	}, []string{"symbol"})

	// ContractsCreated counts accepted contract creations by side.
	ContractsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insurance_contracts_created_total",
		Help: "Contracts accepted for creation",
	}, []string{"side"})

	// ExposureRejections counts creations rejected by the exposure limiter.
	ExposureRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insurance_exposure_rejections_total",
		Help: "Creations rejected by the exposure limiter",
	})

	// PairRefreshes counts pair config refreshes by outcome.
	PairRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insurance_pair_refreshes_total",
		Help: "Pair configuration refreshes",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "insurance_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insurance_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "insurance_http_request_duration_seconds",
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

		// Route pattern keeps the path label bounded.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
