package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks the gateway's hot paths: session lifecycle, token refresh,
// tool-client pooling, tool invocations and stream throughput.
//
// All metrics register against the provided registerer (pass
// prometheus.DefaultRegisterer in production) and are exposed on /metrics.
type Metrics struct {
	// SessionsCreated counts session rows created.
	// Labels: kind (anonymous|bound|post_logout)
	SessionsCreated *prometheus.CounterVec

	// SessionsCleaned counts sessions removed by the cleanup sweep.
	// Labels: phase (soft|hard)
	SessionsCleaned *prometheus.CounterVec

	// TokenRefreshes counts refresh-ahead token exchanges.
	// Labels: status (success|failure)
	TokenRefreshes *prometheus.CounterVec

	// PoolLookups counts tool-client pool lookups.
	// Labels: outcome (hit|rebuild|miss)
	PoolLookups *prometheus.CounterVec

	// PoolEvictions counts pool evictions.
	// Labels: reason (ttl|lru|refresh|replaced|shutdown)
	PoolEvictions *prometheus.CounterVec

	// PoolSize is the current number of pooled tool clients.
	PoolSize prometheus.Gauge

	// ToolInvocations counts wrapped tool calls.
	// Labels: tool, status (success|error)
	ToolInvocations *prometheus.CounterVec

	// ToolDuration measures wrapped tool call latency in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// StreamEvents counts normalized events emitted downstream.
	// Labels: type
	StreamEvents *prometheus.CounterVec

	// MessagesHandled counts orchestrated exchanges.
	// Labels: status (ok|access_denied|error)
	MessagesHandled *prometheus.CounterVec

	// IdentityRequests counts identity-provider calls.
	// Labels: operation (login|verify_mfa|refresh|profile), status
	IdentityRequests *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics. Call once at
// startup; registering twice on the same registerer panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		SessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poliport_sessions_created_total",
				Help: "Number of session rows created.",
			},
			[]string{"kind"},
		),
		SessionsCleaned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poliport_sessions_cleaned_total",
				Help: "Number of sessions removed by the cleanup sweep.",
			},
			[]string{"phase"},
		),
		TokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poliport_token_refreshes_total",
				Help: "Number of access-token refresh attempts.",
			},
			[]string{"status"},
		),
		PoolLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poliport_toolpool_lookups_total",
				Help: "Tool-client pool lookups by outcome.",
			},
			[]string{"outcome"},
		),
		PoolEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poliport_toolpool_evictions_total",
				Help: "Tool-client pool evictions by reason.",
			},
			[]string{"reason"},
		),
		PoolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "poliport_toolpool_size",
				Help: "Current number of pooled tool clients.",
			},
		),
		ToolInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poliport_tool_invocations_total",
				Help: "Wrapped tool invocations by tool and status.",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "poliport_tool_duration_seconds",
				Help:    "Wrapped tool invocation latency.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		StreamEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poliport_stream_events_total",
				Help: "Normalized stream events emitted downstream.",
			},
			[]string{"type"},
		),
		MessagesHandled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poliport_messages_handled_total",
				Help: "Orchestrated message exchanges by status.",
			},
			[]string{"status"},
		),
		IdentityRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poliport_identity_requests_total",
				Help: "Identity-provider HTTP calls by operation and status.",
			},
			[]string{"operation", "status"},
		),
	}
}

// NewNopMetrics returns metrics backed by a throwaway registry, for tests.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
