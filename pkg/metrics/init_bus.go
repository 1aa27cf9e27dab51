package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initBusMetrics() {
	r.BusConnected = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "controlplane_bus_connected",
			Help: "Whether the message bus connection is up (1=yes, 0=no)",
		},
	)

	r.BusReconnectsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "controlplane_bus_reconnects_total",
			Help: "Number of times the bus connection was re-established",
		},
	)

	r.BusMessagesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_bus_messages_total",
			Help: "Bus messages by topic, direction and outcome",
		},
		[]string{"topic", "direction", "outcome"}, // published|received, ok|error|dropped
	)

	r.BusTopicReadsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_bus_topic_reads_total",
			Help: "Messages dispatched to local handlers per topic",
		},
		[]string{"topic"},
	)

	r.BusHandlerErrorsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_bus_handler_errors_total",
			Help: "Subscription handler errors and panics per topic",
		},
		[]string{"topic"},
	)

	r.BusHubForwardedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "controlplane_bus_hub_forwarded_total",
			Help: "Frames forwarded by the bus hub from publishers to subscribers",
		},
	)
}
