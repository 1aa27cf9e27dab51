package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values shared by lock, job and bus metrics
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeSkipped  = "skipped"
	OutcomeAcquired = "acquired"
	OutcomeHeld     = "held"
	OutcomeError    = "error"
	OutcomeOK       = "ok"
	OutcomeDropped  = "dropped"
	OutcomeRejected = "rejected"
	OutcomeWon      = "won"

	DirectionSent      = "sent"
	DirectionReceived  = "received"
	DirectionPublished = "published"
)

var consensusStates = []string{"follower", "candidate", "leader", "unknown"}

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// RecordHTTPRequest records an HTTP request with its duration
func (r *Registry) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetConsensusState marks state as the current consensus state
func (r *Registry) SetConsensusState(state string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range consensusStates {
		r.ConsensusState.WithLabelValues(s).Set(0)
	}
	r.ConsensusState.WithLabelValues(state).Set(1)
	if state == "leader" {
		r.ConsensusIsLeader.Set(1)
	} else {
		r.ConsensusIsLeader.Set(0)
	}
}

// RecordTransition counts a consensus state transition
func (r *Registry) RecordTransition(from, to string) {
	if r == nil {
		return
	}
	r.ConsensusTransitionsTotal.WithLabelValues(from, to).Inc()
}

// SetTerm sets the highest observed term
func (r *Registry) SetTerm(term uint64) {
	if r == nil {
		return
	}
	r.ConsensusTerm.Set(float64(term))
}

// RecordHeartbeat counts a sent or received heartbeat
func (r *Registry) RecordHeartbeat(direction, result string) {
	if r == nil {
		return
	}
	r.ConsensusHeartbeatsTotal.WithLabelValues(direction, result).Inc()
}

// RecordLeaseClaim counts a leadership lease claim attempt
func (r *Registry) RecordLeaseClaim(outcome string) {
	if r == nil {
		return
	}
	r.ConsensusLeaseClaimsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCandidacy records how long a candidate waited before leading
func (r *Registry) ObserveCandidacy(d time.Duration) {
	if r == nil {
		return
	}
	r.ConsensusCandidacyDuration.Observe(d.Seconds())
}

// RecordLockAcquisition counts an acquisition attempt on key
func (r *Registry) RecordLockAcquisition(key, outcome string) {
	if r == nil {
		return
	}
	r.LockAcquisitionsTotal.WithLabelValues(key, outcome).Inc()
	if outcome == OutcomeAcquired {
		r.LocksHeld.Inc()
	}
}

// RecordLockRelease records the hold time of a released lock
func (r *Registry) RecordLockRelease(key string, held time.Duration) {
	if r == nil {
		return
	}
	r.LocksHeld.Dec()
	r.LockHoldDuration.WithLabelValues(key).Observe(held.Seconds())
}

// RecordLockExpired counts a lease that ran out under a running function
func (r *Registry) RecordLockExpired(key string) {
	if r == nil {
		return
	}
	r.LockLeaseExpiredTotal.WithLabelValues(key).Inc()
}

// RecordJobRun counts a job tick. Duration is observed only for runs that executed.
func (r *Registry) RecordJobRun(job, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.JobRunsTotal.WithLabelValues(job, outcome).Inc()
	if outcome != OutcomeSkipped {
		r.JobRunDuration.WithLabelValues(job).Observe(duration.Seconds())
	}
}

// SetJobRunning flags whether job is executing right now
func (r *Registry) SetJobRunning(job string, running bool) {
	if r == nil {
		return
	}
	r.JobRunning.WithLabelValues(job).Set(boolToFloat(running))
}

// SetBusConnected sets the bus connection gauge
func (r *Registry) SetBusConnected(connected bool) {
	if r == nil {
		return
	}
	r.BusConnected.Set(boolToFloat(connected))
}

// RecordBusReconnect counts a re-established bus connection
func (r *Registry) RecordBusReconnect() {
	if r == nil {
		return
	}
	r.BusReconnectsTotal.Inc()
}

// RecordBusMessage counts a published or received bus message
func (r *Registry) RecordBusMessage(topic, direction, outcome string) {
	if r == nil {
		return
	}
	r.BusMessagesTotal.WithLabelValues(topic, direction, outcome).Inc()
}

// RecordTopicRead counts a message dispatched to local handlers
func (r *Registry) RecordTopicRead(topic string) {
	if r == nil {
		return
	}
	r.BusTopicReadsTotal.WithLabelValues(topic).Inc()
}

// RecordHandlerError counts a failed or panicking subscription handler
func (r *Registry) RecordHandlerError(topic string) {
	if r == nil {
		return
	}
	r.BusHandlerErrorsTotal.WithLabelValues(topic).Inc()
}

// RecordHubForward counts a frame forwarded by the bus hub
func (r *Registry) RecordHubForward() {
	if r == nil {
		return
	}
	r.BusHubForwardedTotal.Inc()
}

// ConnectionOpened increments the live connection gauge for clientType
func (r *Registry) ConnectionOpened(clientType string) {
	if r == nil {
		return
	}
	r.WebsocketConnections.WithLabelValues(clientType).Inc()
}

// ConnectionClosed decrements the live connection gauge for clientType
func (r *Registry) ConnectionClosed(clientType string) {
	if r == nil {
		return
	}
	r.WebsocketConnections.WithLabelValues(clientType).Dec()
}

// ClientContextOpened increments the live client-context gauge for authLevel
func (r *Registry) ClientContextOpened(authLevel string) {
	if r == nil {
		return
	}
	r.ClientContexts.WithLabelValues(authLevel).Inc()
}

// ClientContextClosed decrements the live client-context gauge for authLevel
func (r *Registry) ClientContextClosed(authLevel string) {
	if r == nil {
		return
	}
	r.ClientContexts.WithLabelValues(authLevel).Dec()
}

// RecordWebsocketRejection counts an upgrade rejected with status
func (r *Registry) RecordWebsocketRejection(status int) {
	if r == nil {
		return
	}
	r.WebsocketRejectionsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

// SetVersion publishes the build version as an info gauge
func (r *Registry) SetVersion(version string) {
	if r == nil {
		return
	}
	r.VersionInfo.WithLabelValues(version).Set(1)
}

// UpdateSystemMetrics refreshes uptime and Go runtime gauges
func (r *Registry) UpdateSystemMetrics(startTime time.Time) {
	if r == nil {
		return
	}
	r.UptimeSeconds.Set(time.Since(startTime).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	r.MemoryAllocBytes.Set(float64(m.Alloc))
	r.MemorySysBytes.Set(float64(m.Sys))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
