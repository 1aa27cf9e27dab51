package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initConsensusMetrics() {
	r.ConsensusState = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controlplane_consensus_state",
			Help: "Replica consensus state (1 for current state, 0 otherwise)",
		},
		[]string{"state"}, // follower, candidate, leader, unknown
	)

	r.ConsensusTerm = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "controlplane_consensus_term",
			Help: "Highest leadership term observed by this replica",
		},
	)

	r.ConsensusIsLeader = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "controlplane_consensus_is_leader",
			Help: "Whether this replica currently leads (1=yes, 0=no)",
		},
	)

	r.ConsensusTransitionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_consensus_transitions_total",
			Help: "Leader status transitions",
		},
		[]string{"from", "to"},
	)

	r.ConsensusHeartbeatsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_consensus_heartbeats_total",
			Help: "Heartbeats sent and received",
		},
		[]string{"direction", "result"}, // sent|received, ok|rejected|error
	)

	r.ConsensusLeaseClaimsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_consensus_lease_claims_total",
			Help: "Leadership lease claim attempts by outcome",
		},
		[]string{"outcome"}, // won, held, error
	)

	r.ConsensusCandidacyDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "controlplane_consensus_candidacy_duration_seconds",
			Help:    "Time between a successful lease claim and becoming leader",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
	)
}
