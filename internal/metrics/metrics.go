// Package metrics declares the Prometheus instruments used across the dashboard.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP API
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashboard_http_request_duration_seconds",
			Help:    "Duration of API requests by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)

	// Upstream services (dip, cog, livestock, assistant, images)
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashboard_upstream_request_duration_seconds",
			Help:    "Duration of requests to backend services",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "operation"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_upstream_errors_total",
			Help: "Failed requests to backend services",
		},
		[]string{"service", "operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dashboard_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Tile statistics requests that hit the client-side timeout.
	TileStatsTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dashboard_tile_stats_timeouts_total",
			Help: "Tile statistics requests that exceeded the client timeout",
		},
	)

	// Chat relay
	ChatMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_chat_messages_total",
			Help: "Chat messages by outcome",
		},
		[]string{"outcome"}, // accepted, limited, invalid, upstream_error
	)

	ChatRateLimitEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashboard_chat_rate_limit_entries",
			Help: "Threads currently tracked by the chat rate limiter",
		},
	)

	ChatMalformedChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dashboard_chat_malformed_chunks_total",
			Help: "Upstream SSE chunks that could not be decoded",
		},
	)

	// Reports
	ReportsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_reports_total",
			Help: "Report generation attempts by bundle and outcome",
		},
		[]string{"bundle", "outcome"},
	)

	SnapshotDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dashboard_snapshot_duration_seconds",
			Help:    "Time spent rasterizing the map viewport",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	LayerReadyTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dashboard_layer_ready_timeouts_total",
			Help: "Layer readiness waits that ended on timeout",
		},
	)

	ImageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_image_processing_total",
			Help: "Report image processing by outcome",
		},
		[]string{"outcome"}, // ok, retry, placeholder
	)

	// Sessions and polling
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashboard_active_sessions",
			Help: "Open dashboard sessions",
		},
	)

	LivestockPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_livestock_polls_total",
			Help: "Real-time livestock fetches by outcome",
		},
		[]string{"outcome"},
	)
)

// BreakerStateValue converts a breaker state name to its gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}
