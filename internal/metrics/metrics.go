// Package metrics provides Prometheus instrumentation for the market engine.
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
	// OrdersAccepted counts orders that passed admission and were appended.
	OrdersAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_orders_accepted_total",
		Help: "Orders that passed admission and were appended to a log",
	})

	// OrdersRejected counts rejected orders, partitioned by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_orders_rejected_total",
		Help: "Orders rejected during admission",
	}, []string{"reason"})

	// MarketsCreated counts markets created.
	MarketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_markets_created_total",
		Help: "Markets created",
	})

	// MarketsOpened counts Upcoming → Open transitions.
	MarketsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_markets_opened_total",
		Help: "Markets transitioned to open",
	})

	// MarketsClosed counts Open → Closed transitions.
	MarketsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_markets_closed_total",
		Help: "Markets transitioned to closed",
	})

	// MarketsResolved counts Closed → Resolved transitions.
	MarketsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_markets_resolved_total",
		Help: "Markets resolved",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "market_http_request_duration_seconds",
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
