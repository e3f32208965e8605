package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "courier",
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Currently open websocket connections.",
	})

	metricEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "ws",
		Name:      "events_total",
		Help:      "Inbound envelopes accepted, by type.",
	}, []string{"type"})

	metricPushDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "push",
		Name:      "drops_total",
		Help:      "Best-effort pushes dropped because the handle was gone or its queue full.",
	})

	metricPresenceBroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "presence",
		Name:      "broadcasts_total",
		Help:      "Presence transitions fanned out to connected clients.",
	})
)
