package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	stageRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_runs_total",
			Help: "Pipeline stage attempts by stage and outcome (ok, skipped, retry, error).",
		},
		[]string{"stage", "outcome"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Duration of successful pipeline stages.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	receiptsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_receipts_finished_total",
			Help: "Receipts that reached a terminal or review state, by status.",
		},
		[]string{"status"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Receipts waiting in the dispatcher queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(stageRuns, stageDuration, receiptsFinished, queueDepth)
}
