// Package metrics provides Prometheus instrumentation for the token engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersCreated counts purchase orders created.
	OrdersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokenengine_orders_created_total",
		Help: "Total purchase orders created",
	})

	// Confirmations counts confirmation attempts by outcome.
	Confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenengine_confirmations_total",
		Help: "Confirmation attempts by outcome",
	}, []string{"outcome"}) // confirmed | pending | already_resolved | error

	// TokensSold counts tokens credited through confirmed purchases.
	TokensSold = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokenengine_tokens_sold_total",
		Help: "Tokens credited through confirmed purchases",
	})

	// Sells counts sell-back operations.
	Sells = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokenengine_sells_total",
		Help: "Total sell-back operations",
	})

	// CurrentRound tracks the active round number.
	CurrentRound = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tokenengine_current_round",
		Help: "Number of the currently open pricing round",
	})

	// SweepDuration tracks how long each confirmation sweep takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenengine_sweep_duration_seconds",
		Help:    "Confirmation sweep duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SweepErrors counts per-order checks that failed during sweeps.
	SweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokenengine_sweep_errors_total",
		Help: "Errors encountered during confirmation sweeps",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tokenengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tokenengine_http_request_duration_seconds",
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
