package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "halo",
		Subsystem: "ws",
		Name:      "connections_total",
		Help:      "Accepted websocket sessions.",
	})

	metricConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "halo",
		Subsystem: "ws",
		Name:      "connections_active",
		Help:      "Currently open websocket sessions.",
	})

	metricEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "halo",
		Subsystem: "ws",
		Name:      "events_total",
		Help:      "Inbound protocol envelopes by type.",
	}, []string{"type"})

	metricPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "halo",
		Subsystem: "ws",
		Name:      "pushes_total",
		Help:      "Outbound identity pushes by kind (self/user).",
	}, []string{"kind"})

	metricPushDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "halo",
		Subsystem: "ws",
		Name:      "pushes_dropped_total",
		Help:      "Identity pushes dropped under backpressure.",
	})

	metricLoginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "halo",
		Name:      "logins_total",
		Help:      "Login attempts by result (ok/denied/error).",
	}, []string{"result"})
)
