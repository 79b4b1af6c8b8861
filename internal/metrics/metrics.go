// Package metrics holds the Prometheus collectors for the control
// plane. All collectors are registered at init through promauto and
// scraped via /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "droidfleet_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "droidfleet_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Heartbeat ingest metrics. The write-latency contract is p95 <=
	// 150ms, p99 <= 300ms at 2,000 devices on a 60s cadence.
	HeartbeatWriteLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hb_write_latency_ms",
			Help:    "Heartbeat dual-write latency in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 150, 200, 300, 500, 1000},
		},
	)

	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "droidfleet_heartbeats_total",
			Help: "Total heartbeats accepted, deduplicated or rejected",
		},
		[]string{"outcome"}, // accepted, duplicate, rejected, shed, error
	)

	StateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "droidfleet_state_transitions_total",
			Help: "Device and service state transitions observed at ingest",
		},
		[]string{"transition"}, // online, service_up, service_down
	)

	// Database pool metrics
	DBPoolInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_pool_in_use",
			Help: "Database connections currently in use",
		},
	)

	DBPoolUtilizationPct = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_pool_utilization_pct",
			Help: "Database pool utilization percentage",
		},
	)

	// Dispatch metrics
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "droidfleet_dispatches_total",
			Help: "Commands dispatched by action and push outcome",
		},
		[]string{"action", "status"}, // sent, failed, timeout, fanout
	)

	DispatchAcksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "droidfleet_dispatch_acks_total",
			Help: "Device acknowledgements by outcome",
		},
		[]string{"status"}, // ok, failed, denied, timeout, dropped
	)

	PushLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "droidfleet_push_latency_seconds",
			Help:    "Push provider call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	// Alert engine metrics
	AlertsRaisedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "droidfleet_alerts_raised_total",
			Help: "Alert notifications raised by condition",
		},
		[]string{"condition"},
	)

	AlertsRecoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "droidfleet_alerts_recovered_total",
			Help: "Alert recoveries by condition",
		},
		[]string{"condition"},
	)

	AlertDedupeHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alert_dedupe_hit",
			Help: "Notifications suppressed by per-device cooldown",
		},
	)

	AlertRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alert_rate_limited",
			Help: "Notifications dropped by the global per-minute cap",
		},
	)

	AlertRollupsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "droidfleet_alert_rollups_total",
			Help: "Summary notifications emitted in place of per-device ones",
		},
	)

	// OTA metrics
	ManifestChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "droidfleet_manifest_checks_total",
			Help: "OTA manifest polls by result",
		},
		[]string{"result"}, // eligible, up_to_date, not_in_cohort, no_current_build
	)

	// WebSocket metrics
	WSSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "droidfleet_ws_subscribers",
			Help: "Connected admin WebSocket subscribers",
		},
	)

	WSDroppedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "droidfleet_ws_dropped_messages_total",
			Help: "Events dropped on slow WebSocket consumers",
		},
	)

	// Scheduler metrics
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "droidfleet_job_runs_total",
			Help: "Periodic job executions by job and outcome",
		},
		[]string{"job", "outcome"}, // ok, error, skipped
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "droidfleet_job_duration_seconds",
			Help:    "Periodic job run duration",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"job"},
	)

	// Reconciliation metrics
	ReconcileUpdatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "droidfleet_reconcile_updates_total",
			Help: "Projection rows healed by the reconciler",
		},
	)

	// Rate limiting
	RateLimitedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "droidfleet_rate_limited_requests_total",
			Help: "Requests rejected by the per-IP limiter",
		},
		[]string{"scope"},
	)

	// Artifact cache
	ArtifactCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "droidfleet_artifact_cache_total",
			Help: "Artifact cache lookups",
		},
		[]string{"result"}, // hit, miss, expired
	)
)

// RecordHTTPRequest records HTTP request metrics.
func RecordHTTPRequest(method, endpoint, status string, seconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
