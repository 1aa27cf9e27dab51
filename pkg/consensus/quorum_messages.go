package consensus

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-controlplane/pkg/logging"
	"github.com/dd0wney/cluso-controlplane/pkg/metrics"
)

// handleHeartbeat runs on the bus receive goroutine, so heartbeats are
// applied in receipt order
func (q *Quorum) handleHeartbeat(hb Heartbeat) {
	defer q.flush()

	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()

	if hb.ReplicaID == q.id {
		// Own echo proves the round trip
		if q.state == StateUnknown {
			q.transitionLocked(StateFollower)
		}
		return
	}

	if hb.Term < q.highestTerm {
		q.metrics.RecordHeartbeat(metrics.DirectionReceived, metrics.OutcomeRejected)
		q.logger.Debug("rejecting stale heartbeat",
			logging.String("sender", hb.ReplicaID),
			logging.Term(hb.Term),
			logging.Uint64("highest_term", q.highestTerm))
		return
	}
	q.metrics.RecordHeartbeat(metrics.DirectionReceived, metrics.OutcomeOK)

	if hb.Term > q.highestTerm {
		q.highestTerm = hb.Term
		q.metrics.SetTerm(hb.Term)
	}

	switch q.state {
	case StateCandidate, StateLeader:
		own := q.lease.Token
		if hb.Term < own || (hb.Term == own && hb.ReplicaID > q.id) {
			// Our claim wins
			return
		}
		q.logger.Warn("conflicting claim, stepping down",
			logging.String("other", hb.ReplicaID),
			logging.Term(hb.Term),
			logging.Uint64("own_term", own))
		lease := q.lease
		q.holding = false
		q.transitionLocked(StateFollower)
		q.releaseLocked(lease)
	case StateUnknown:
		q.transitionLocked(StateFollower)
	}

	q.leader = LeaderState{
		LeaderID:       hb.ReplicaID,
		Term:           hb.Term,
		LeaseExpiresAt: now.Add(time.Duration(hb.TTLMs) * time.Millisecond),
	}
}

func (q *Quorum) handleProbe(p Probe) {
	q.mu.Lock()
	if p.ReplicaID == q.id {
		if q.state == StateUnknown && p.Nonce == q.probeNonce {
			q.transitionLocked(StateFollower)
		}
		q.mu.Unlock()
		q.flush()
		return
	}

	// A leader answers probes so a recovering replica learns it at once
	if !q.isLeaderLocked(q.now()) {
		q.mu.Unlock()
		return
	}
	hb := q.heartbeatLocked()
	q.goLocked(func() { q.sendHeartbeat(context.Background(), hb) })
	q.mu.Unlock()
}

// handleConnection demotes to StateUnknown on disconnect. A held lease is
// given up: peers can no longer hear this replica's heartbeats.
func (q *Quorum) handleConnection(connected bool) {
	if connected {
		q.goBackground(func() { q.probe(context.Background()) })
		return
	}

	q.mu.Lock()
	lease, holding := q.lease, q.holding
	q.holding = false
	q.leader = LeaderState{}
	q.transitionLocked(StateUnknown)
	q.mu.Unlock()
	q.flush()

	if holding {
		q.releaseAsync(lease)
	}
}
