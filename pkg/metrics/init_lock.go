package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initLockMetrics() {
	r.LockAcquisitionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_lock_acquisitions_total",
			Help: "Distributed lock acquisition attempts by outcome",
		},
		[]string{"key", "outcome"}, // acquired, held, error
	)

	r.LockHoldDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controlplane_lock_hold_duration_seconds",
			Help:    "How long a distributed lock was held before release",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 300},
		},
		[]string{"key"},
	)

	r.LocksHeld = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "controlplane_locks_held",
			Help: "Distributed locks currently held by this replica",
		},
	)

	r.LockLeaseExpiredTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_lock_lease_expired_total",
			Help: "Locks whose lease expired while the guarded function was still running",
		},
		[]string{"key"},
	)
}
