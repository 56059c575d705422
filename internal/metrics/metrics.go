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
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seneschal_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seneschal_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RunnersActive tracks live assistant children
	RunnersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seneschal_runners_active",
			Help: "Number of live assistant child processes",
		},
	)

	// RunDuration tracks how long child runs last
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seneschal_run_duration_seconds",
			Help:    "Child run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"spawn_mode"},
	)

	// BridgeClients tracks connected bridge clients
	BridgeClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seneschal_bridge_clients",
			Help: "Number of connected bridge clients",
		},
	)

	// IntentsTotal counts bridge intents by type and outcome
	IntentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seneschal_intents_total",
			Help: "Total number of bridge client intents",
		},
		[]string{"intent", "status"},
	)

	// EventsTotal counts child stream events by kind
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seneschal_events_total",
			Help: "Total number of child stream events",
		},
		[]string{"kind"},
	)

	// PermissionDecisions counts permission outcomes
	PermissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seneschal_permission_decisions_total",
			Help: "Total number of permission request outcomes",
		},
		[]string{"behavior"},
	)

	// BacklogDrops counts events evicted from replay backlogs
	BacklogDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seneschal_backlog_drops_total",
			Help: "Total number of events evicted from session backlogs",
		},
		[]string{"session_id"},
	)

	// TokensTotal counts tokens by counter kind
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seneschal_tokens_total",
			Help: "Total tokens reported by children",
		},
		[]string{"counter"},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seneschal_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/mcp", "/mcp/", "/metrics":
		return path
	default:
		if len(path) > 5 && path[:5] == "/mcp/" {
			return "/mcp"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRunStart increments the live runner gauge
func RecordRunStart() {
	RunnersActive.Inc()
}

// RecordRunEnd decrements the live runner gauge and records duration
func RecordRunEnd(spawnMode string, durationSeconds float64) {
	RunnersActive.Dec()
	RunDuration.WithLabelValues(spawnMode).Observe(durationSeconds)
}

// RecordIntent records a bridge intent outcome
func RecordIntent(intent, status string) {
	IntentsTotal.WithLabelValues(intent, status).Inc()
}

// RecordEvent records one child stream event
func RecordEvent(kind string) {
	EventsTotal.WithLabelValues(kind).Inc()
}

// RecordPermissionDecision records a permission outcome
func RecordPermissionDecision(behavior string) {
	PermissionDecisions.WithLabelValues(behavior).Inc()
}

// RecordBacklogDrop records an evicted backlog event
func RecordBacklogDrop(sessionID string) {
	BacklogDrops.WithLabelValues(sessionID).Inc()
}

// RecordTokens records token counters from a usage sample
func RecordTokens(input, output, cacheCreation, cacheRead int64) {
	TokensTotal.WithLabelValues("input").Add(float64(input))
	TokensTotal.WithLabelValues("output").Add(float64(output))
	TokensTotal.WithLabelValues("cache_creation").Add(float64(cacheCreation))
	TokensTotal.WithLabelValues("cache_read").Add(float64(cacheRead))
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}
