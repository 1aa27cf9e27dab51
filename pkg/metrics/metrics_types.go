package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric the control plane exports. A nil *Registry is
// a valid sink: all Record/Set helpers are no-ops on nil.
type Registry struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Consensus Metrics
	ConsensusState             *prometheus.GaugeVec
	ConsensusTerm              prometheus.Gauge
	ConsensusIsLeader          prometheus.Gauge
	ConsensusTransitionsTotal  *prometheus.CounterVec
	ConsensusHeartbeatsTotal   *prometheus.CounterVec
	ConsensusLeaseClaimsTotal  *prometheus.CounterVec
	ConsensusCandidacyDuration prometheus.Histogram

	// Lock Metrics
	LockAcquisitionsTotal *prometheus.CounterVec
	LockHoldDuration      *prometheus.HistogramVec
	LocksHeld             prometheus.Gauge
	LockLeaseExpiredTotal *prometheus.CounterVec

	// Job Metrics
	JobRunsTotal   *prometheus.CounterVec
	JobRunDuration *prometheus.HistogramVec
	JobRunning     *prometheus.GaugeVec

	// Bus Metrics
	BusConnected          prometheus.Gauge
	BusReconnectsTotal    prometheus.Counter
	BusMessagesTotal      *prometheus.CounterVec
	BusTopicReadsTotal    *prometheus.CounterVec
	BusHandlerErrorsTotal *prometheus.CounterVec
	BusHubForwardedTotal  prometheus.Counter

	// Session Metrics
	WebsocketConnections     *prometheus.GaugeVec
	ClientContexts           *prometheus.GaugeVec
	WebsocketRejectionsTotal *prometheus.CounterVec

	// System Metrics
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge
	MemorySysBytes   prometheus.Gauge
	VersionInfo      *prometheus.GaugeVec

	registry *prometheus.Registry
	mu       sync.Mutex
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with all metrics initialized
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}

	r.initHTTPMetrics()
	r.initConsensusMetrics()
	r.initLockMetrics()
	r.initJobMetrics()
	r.initBusMetrics()
	r.initSessionMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
