// Package metrics holds the Prometheus collectors of the gateway, the client
// and the AQM queues. Every method is safe to call on a nil receiver so
// components can run without instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "c2ml"

func register(registerer prometheus.Registerer, collectors ...prometheus.Collector) {
	if registerer == nil {
		return
	}
	registerer.MustRegister(collectors...)
}

type Gateway struct {
	Sessions       prometheus.Gauge
	Messages       *prometheus.CounterVec
	ProtocolErrors *prometheus.CounterVec
	Broadcasts     prometheus.Counter
	FairShare      prometheus.Gauge
	GoodBandwidth  prometheus.Gauge
}

func NewGateway(registerer prometheus.Registerer) *Gateway {
	m := &Gateway{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "sessions",
			Help:      "Number of connected sessions",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "messages_total",
			Help:      "Control messages by direction and type",
		}, []string{"direction", "type"}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "protocol_errors_total",
			Help:      "Connections closed for protocol violations",
		}, []string{"reason"}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "broadcasts_total",
			Help:      "ALLOWED broadcast rounds",
		}),
		FairShare: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "fair_share_bytes_per_second",
			Help:      "Share currently granted to every GOOD session",
		}),
		GoodBandwidth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "good_bandwidth_bytes_per_second",
			Help:      "Aggregate bandwidth shared among GOOD sessions",
		}),
	}
	register(registerer, m.Sessions, m.Messages, m.ProtocolErrors, m.Broadcasts, m.FairShare, m.GoodBandwidth)
	return m
}

func (m *Gateway) SetSessions(n int) {
	if m == nil {
		return
	}
	m.Sessions.Set(float64(n))
}

func (m *Gateway) ObserveMessage(direction string, messageType string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction, messageType).Inc()
}

func (m *Gateway) ObserveProtocolError(reason string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(reason).Inc()
}

func (m *Gateway) ObserveBroadcast() {
	if m == nil {
		return
	}
	m.Broadcasts.Inc()
}

func (m *Gateway) SetAllocation(fairShare uint64, goodBandwidth uint64) {
	if m == nil {
		return
	}
	m.FairShare.Set(float64(fairShare))
	m.GoodBandwidth.Set(float64(goodBandwidth))
}
