package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Packet verdicts.
const (
	VerdictAdmitted  = "admitted"
	VerdictDropped   = "dropped"
	VerdictRejected  = "rejected"
	VerdictEvicted   = "evicted"
	VerdictOverflow  = "overflow"
	VerdictMalformed = "malformed"
)

type AQM struct {
	Packets *prometheus.CounterVec
	Sources prometheus.Gauge
	RTT     prometheus.Histogram
}

func NewAQM(registerer prometheus.Registerer) *AQM {
	m := &AQM{
		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aqm",
			Name:      "packets_total",
			Help:      "Packets seen by the AQM queues by queue and verdict",
		}, []string{"queue", "verdict"}),
		Sources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aqm",
			Name:      "tracked_sources",
			Help:      "Sources with a live rate window",
		}),
		RTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aqm",
			Name:      "rtt_sample_seconds",
			Help:      "Round trip samples taken from TCP timestamp echoes",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	register(registerer, m.Packets, m.Sources, m.RTT)
	return m
}

func (m *AQM) ObservePacket(queue string, verdict string) {
	if m == nil {
		return
	}
	m.Packets.WithLabelValues(queue, verdict).Inc()
}

func (m *AQM) SetSources(n int) {
	if m == nil {
		return
	}
	m.Sources.Set(float64(n))
}

func (m *AQM) ObserveRTT(sample time.Duration) {
	if m == nil {
		return
	}
	m.RTT.Observe(sample.Seconds())
}
