package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdict_decisions_total",
			Help: "Total number of policy decisions rendered (count)",
		},
		[]string{"decision"},
	)

	DecisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verdict_decision_duration_ms",
			Help:    "Policy evaluation duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"decision"},
	)

	VersionActivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdict_version_activations_total",
			Help: "Total number of rule version activations (count)",
		},
		[]string{"status"},
	)

	VersionCreationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdict_version_creations_total",
			Help: "Total number of rule versions created (count)",
		},
		[]string{"status"},
	)

	ContentionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdict_contention_errors_total",
			Help: "Total number of per-rule lock acquisition timeouts (count)",
		},
		[]string{"operation"},
	)

	ContentDecodeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "verdict_content_decode_failures_total",
			Help: "Total number of stored policy documents that failed to decode (count)",
		},
	)

	ActiveRules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "verdict_active_rules",
			Help: "Number of rules with active status (count)",
		},
	)

	ContentCacheOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdict_content_cache_ops_total",
			Help: "Content cache operations by result (count)",
		},
		[]string{"backend", "op"},
	)

	ChangeEventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdict_change_events_published_total",
			Help: "Total number of change events published to the broker (count)",
		},
		[]string{"topic", "event_type"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdict_rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "verdict_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdict_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdict_circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)
)

func Register() {
	prometheus.MustRegister(
		DecisionsTotal,
		DecisionDuration,
		VersionActivationsTotal,
		VersionCreationsTotal,
		ContentionErrorsTotal,
		ContentDecodeFailuresTotal,
		ActiveRules,
		ContentCacheOpsTotal,
		ChangeEventsPublishedTotal,
		RateLimitRequestsTotal,
		CircuitBreakerState,
		CircuitBreakerRequests,
		CircuitBreakerFailures,
	)
}

func ObserveDecisionDuration(duration time.Duration, decision string) {
	DecisionDuration.WithLabelValues(decision).Observe(float64(duration.Milliseconds()))
}

func SetActiveRules(count int) {
	ActiveRules.Set(float64(count))
}
