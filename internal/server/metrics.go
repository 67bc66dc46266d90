package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "wspubsub"

// metrics holds the Prometheus collectors for the server.
type metrics struct {
	connectionsActive prometheus.Gauge
	handshakesTotal   *prometheus.CounterVec
	messagesReceived  prometheus.Counter
	messagesDropped   *prometheus.CounterVec
	fanoutMessages    prometheus.Counter
	pingsSent         prometheus.Counter
}

func newMetrics(registry prometheus.Registerer) *metrics {
	factory := promauto.With(registry)

	return &metrics{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Number of established WebSocket connections",
		}),
		handshakesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshakes_total",
			Help:      "WebSocket upgrade attempts by response status",
		}, []string{"status"}),
		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Application messages received from clients",
		}),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_dropped_total",
			Help:      "Client messages dropped before dispatch",
		}, []string{"reason"}),
		fanoutMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fanout_messages_total",
			Help:      "Broker messages written to subscribed clients",
		}),
		pingsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pings_sent_total",
			Help:      "Keep-alive PING frames sent",
		}),
	}
}
