package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts broadcaster activity. A nil Registerer creates unregistered collectors.
type Metrics struct {
	published   prometheus.Counter
	failures    prometheus.Counter
	dropped     prometheus.Counter
	subscribers prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		published: f.NewCounter(prometheus.CounterOpts{
			Namespace: "frutiger",
			Subsystem: "chat",
			Name:      "messages_published_total",
			Help:      "Messages stored and broadcast.",
		}),
		failures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "frutiger",
			Subsystem: "chat",
			Name:      "publish_failures_total",
			Help:      "Messages rejected because persistence failed.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "frutiger",
			Subsystem: "chat",
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers disconnected because their send queue was full.",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "frutiger",
			Subsystem: "chat",
			Name:      "subscribers",
			Help:      "Connections currently subscribed to a channel.",
		}),
	}
}
