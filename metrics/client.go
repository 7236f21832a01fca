package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Client struct {
	Requests   *prometheus.CounterVec
	Retries    prometheus.Counter
	Available  prometheus.Gauge
	Flows      prometheus.Gauge
	AckLatency prometheus.Histogram
}

func NewClient(registerer prometheus.Registerer) *Client {
	m := &Client{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Requests sent to the gateway by type",
		}, []string{"type"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "retries_total",
			Help:      "Control connection re-establishments after an ack timeout",
		}),
		Available: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "available_bytes_per_second",
			Help:      "Bandwidth currently available to this client",
		}),
		Flows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "flows",
			Help:      "Number of open local flows",
		}),
		AckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "ack_latency_seconds",
			Help:      "Time between a request and its acknowledgement",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	register(registerer, m.Requests, m.Retries, m.Available, m.Flows, m.AckLatency)
	return m
}

func (m *Client) ObserveRequest(messageType string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(messageType).Inc()
}

func (m *Client) ObserveRetry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Client) SetAvailable(bandwidth uint64) {
	if m == nil {
		return
	}
	m.Available.Set(float64(bandwidth))
}

func (m *Client) SetFlows(n int) {
	if m == nil {
		return
	}
	m.Flows.Set(float64(n))
}

func (m *Client) ObserveAck(latency time.Duration) {
	if m == nil {
		return
	}
	m.AckLatency.Observe(latency.Seconds())
}
