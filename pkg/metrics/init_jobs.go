package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initJobMetrics() {
	r.JobRunsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_job_runs_total",
			Help: "Singleton job ticks by outcome",
		},
		[]string{"job", "outcome"}, // success, failure, skipped
	)

	r.JobRunDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controlplane_job_run_duration_seconds",
			Help:    "Duration of executed singleton job runs",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 300},
		},
		[]string{"job"},
	)

	r.JobRunning = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controlplane_job_running",
			Help: "Whether a job is currently running on this replica (1=yes, 0=no)",
		},
		[]string{"job"},
	)
}
