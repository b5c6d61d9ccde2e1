package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dealerhub_broadcast_connected_clients",
			Help: "Number of subscribers currently connected per scope",
		},
		[]string{"scope"},
	)

	signalsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealerhub_broadcast_signals_published_total",
			Help: "Total number of invalidation signals published to the local hub",
		},
		[]string{"reason"},
	)

	signalsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealerhub_broadcast_signals_dropped_total",
			Help: "Total number of signals dropped because a subscriber queue was full",
		},
		[]string{"scope"},
	)

	relayErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dealerhub_broadcast_relay_errors_total",
			Help: "Total number of Redis relay publish or decode errors",
		},
	)
)
