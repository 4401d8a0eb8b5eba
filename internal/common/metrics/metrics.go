// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_queries_total",
			Help: "Total number of queries processed, by outcome",
		},
		[]string{"outcome"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "pipeline_stage_duration_seconds",
			Help: "Duration of each pipeline stage in seconds",
		},
		[]string{"stage"},
	)

	ClarificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_clarifications_total",
			Help: "Total number of clarification rounds requested, by slot type",
		},
		[]string{"slot_type"},
	)

	ExtractionFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_extraction_fallbacks_total",
			Help: "Times the heuristic parser replaced the extraction service",
		},
	)

	SandboxTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_sandbox_timeouts_total",
			Help: "Snippet executions killed by the wall-clock budget",
		},
	)
)
