package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway metrics. Registered once on the default registry; the HTTP layer
// exposes them on /metrics.
var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kindred",
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Open websocket connections.",
	})

	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kindred",
		Subsystem: "ws",
		Name:      "events_total",
		Help:      "Inbound client events by type.",
	}, []string{"type"})

	metricDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kindred",
		Subsystem: "ws",
		Name:      "delivered_total",
		Help:      "Envelopes delivered to a live peer session.",
	})

	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kindred",
		Subsystem: "ws",
		Name:      "dropped_total",
		Help:      "Envelopes dropped because a peer send queue was full.",
	})

	metricOffline = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kindred",
		Subsystem: "ws",
		Name:      "offline_skipped_total",
		Help:      "Deliveries skipped because the peer had no live session.",
	})
)
