// Package metrics exposes Prometheus counters and gauges for the
// protocol engine, the HTTP transport, and the OAuth subsystem.
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
	// RequestsInFlight tracks calls awaiting a response, by method.
	RequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpcore_requests_in_flight",
			Help: "Number of outbound JSON-RPC requests awaiting a response",
		},
		[]string{"method"},
	)

	// RequestsTotal counts completed round trips by outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpcore_requests_total",
			Help: "Total JSON-RPC requests completed, by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	// RequestDuration tracks round-trip latency by method.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpcore_request_duration_seconds",
			Help:    "JSON-RPC round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// ToolCalls counts tools/call invocations by tool name and outcome.
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpcore_tool_calls_total",
			Help: "Total tools/call invocations, by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	// HTTPSessions tracks live streamable-HTTP sessions.
	HTTPSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpcore_http_sessions",
			Help: "Number of open streamable-HTTP sessions",
		},
	)

	// HTTPRequestsTotal counts HTTP requests served by the transport, by status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpcore_http_requests_total",
			Help: "Total HTTP requests served by the streamable-HTTP transport",
		},
		[]string{"method", "status"},
	)

	// OAuthTokensIssued counts access and refresh tokens issued, by kind.
	OAuthTokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpcore_oauth_tokens_issued_total",
			Help: "Total OAuth tokens issued, by kind",
		},
		[]string{"kind"},
	)
)

// Handler returns the Prometheus scrape handler for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HTTPMiddleware records HTTPRequestsTotal for every request it wraps.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(wrapped.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// ObserveCall records a completed round trip's outcome and latency.
func ObserveCall(method, outcome string, elapsed time.Duration) {
	RequestsTotal.WithLabelValues(method, outcome).Inc()
	RequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
