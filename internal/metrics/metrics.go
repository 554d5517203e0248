// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var (
	// OperationsTotal counts engine entry points by operation and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_operations_total",
		Help: "Total engine operations by outcome",
	}, []string{"op", "outcome"})

	// OperationLatency tracks entry point latency, rollbacks included.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pool_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"op"})

	// DepositsTotal counts deposits per asset symbol.
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_deposits_total",
		Help: "Total deposits",
	}, []string{"asset"})

	// WithdrawalsTotal counts withdrawals per asset symbol.
	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_withdrawals_total",
		Help: "Total withdrawals",
	}, []string{"asset"})

	// ClaimsTotal counts period claims, partitioned by payout mode.
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_claims_total",
		Help: "Total period claims",
	}, []string{"mode"})

	// PeriodsStarted counts carved-out trading periods.
	PeriodsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_periods_started_total",
		Help: "Trading periods carved out and forwarded",
	}, []string{"asset"})

	// PeriodsSettled counts settled periods by result sign.
	PeriodsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_periods_settled_total",
		Help: "Trading periods settled",
	}, []string{"asset", "result"})

	// LossAbsorbed accumulates reported losses in USD by waterfall tier.
	LossAbsorbed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_loss_absorbed_usd_total",
		Help: "Losses absorbed in USD by tier (insurance, principal)",
	}, []string{"tier"})

	// CoverFailures counts insurance tiers the reserve could not pay.
	CoverFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_insurance_cover_failures_total",
		Help: "Insurance cover calls that fell through to principal",
	})

	// SinkFailures counts post-commit journal and publish failures.
	SinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_sink_failures_total",
		Help: "Best-effort journal/publish failures after commit",
	}, []string{"sink"})

	// StateSaveFailures counts operations rolled back because the engine
	// state could not be saved.
	StateSaveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_state_save_failures_total",
		Help: "Operations rejected because the state save failed",
	})

	// TotalUSD tracks the pool's booked USD value.
	TotalUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pool_total_usd",
		Help: "Pool total USD value (whole dollars)",
	})

	// TotalShares tracks outstanding pool shares.
	TotalShares = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pool_total_shares",
		Help: "Outstanding pool shares (whole units of 1e18)",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pool_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pool_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

var wei = decimal.New(1, 18)

// FromWei converts an 18-decimal fixed-point value to a float for gauges.
// Only for observability; never use the result for accounting.
func FromWei(v decimal.Decimal) float64 {
	f, _ := v.Div(wei).Float64()
	return f
}

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
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
