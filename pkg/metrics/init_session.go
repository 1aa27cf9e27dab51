package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initSessionMetrics() {
	r.WebsocketConnections = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controlplane_websocket_connections",
			Help: "Live websocket connections by client type",
		},
		[]string{"client_type"},
	)

	r.ClientContexts = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controlplane_websocket_client_contexts",
			Help: "Live client contexts by auth level",
		},
		[]string{"auth_level"},
	)

	r.WebsocketRejectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_websocket_rejections_total",
			Help: "Websocket upgrade requests rejected before accept, by HTTP status",
		},
		[]string{"status"},
	)
}
