package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypilot_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querypilot_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	pipelineStageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querypilot_pipeline_stage_duration_seconds",
			Help:    "Duration of each pipeline stage.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "outcome"},
	)

	aiCallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querypilot_ai_call_duration_seconds",
			Help:    "Latency of external AI service calls.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"capability", "outcome"},
	)

	schemaCacheEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypilot_schema_cache_events_total",
			Help: "Schema cache hits, misses and refreshes.",
		},
		[]string{"event"},
	)

	degradedSelectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querypilot_degraded_selections_total",
			Help: "Table selections served by the heuristic fallback.",
		},
	)

	unsafeQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querypilot_unsafe_queries_total",
			Help: "Generated statements rejected by the safety validator.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		pipelineStageDurationSeconds,
		aiCallDurationSeconds,
		schemaCacheEventsTotal,
		degradedSelectionsTotal,
		unsafeQueriesTotal,
	)
}

func ObservePipelineStage(stage string, outcome string, elapsed time.Duration) {
	pipelineStageDurationSeconds.WithLabelValues(stage, outcome).Observe(elapsed.Seconds())
}

func ObserveAICall(capability string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	aiCallDurationSeconds.WithLabelValues(capability, outcome).Observe(elapsed.Seconds())
}

func CountSchemaCacheEvent(event string) {
	schemaCacheEventsTotal.WithLabelValues(event).Inc()
}

func CountDegradedSelection() {
	degradedSelectionsTotal.Inc()
}

func CountUnsafeQuery() {
	unsafeQueriesTotal.Inc()
}
