// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"bufio"
	"errors"
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
	// ESIRequestsTotal counts ESI HTTP attempts by response status
	// ("transport" when no response was received).
	ESIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evetrade_esi_requests_total",
		Help: "ESI request attempts by status",
	}, []string{"status"})

	// ESIRequestDuration tracks a single attempt's latency.
	ESIRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "evetrade_esi_request_duration_seconds",
		Help:    "ESI request attempt latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	})

	// ESICacheTotal counts response cache lookups by result
	// (hit, miss, revalidated).
	ESICacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evetrade_esi_cache_total",
		Help: "ESI response cache lookups by result",
	}, []string{"result"})

	// ESIThrottleTotal counts cooldowns armed by the error-budget governor.
	ESIThrottleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evetrade_esi_throttle_total",
		Help: "ESI cooldowns armed, by reason",
	}, []string{"reason"})

	// ESITokenRefreshTotal counts access token refreshes by outcome.
	ESITokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evetrade_esi_token_refresh_total",
		Help: "SSO access token refreshes by outcome",
	}, []string{"outcome"})

	// SyncRunsTotal counts principal sync runs by final status.
	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evetrade_sync_runs_total",
		Help: "Wallet sync runs by status",
	}, []string{"status"})

	// SyncDuration tracks one principal's sync duration.
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "evetrade_sync_duration_seconds",
		Help:    "Wallet sync duration per principal in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SyncTransactionsTotal counts wallet transactions handled, by outcome
	// (queued, sold, skipped, duplicate).
	SyncTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evetrade_sync_transactions_total",
		Help: "Wallet transactions processed by outcome",
	}, []string{"outcome"})

	// UnmatchedSaleUnits counts sold units with no inventory to draw from.
	UnmatchedSaleUnits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evetrade_unmatched_sale_units_total",
		Help: "Sold units that had no matching inventory lot",
	})

	// LotsConsumedTotal counts FIFO draws by event type.
	LotsConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evetrade_lot_consumptions_total",
		Help: "Inventory lot draws by event type",
	}, []string{"event_type"})

	// QueueReviewTotal counts buy-queue entries reviewed by action.
	QueueReviewTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evetrade_queue_review_total",
		Help: "Buy queue entries applied or ignored",
	}, []string{"action"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "evetrade_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evetrade_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evetrade_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern prefers the chi route pattern over the raw path so ids do
// not explode label cardinality.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
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

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
