package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metricSet struct {
	msgs     *prometheus.CounterVec
	apply    *prometheus.CounterVec
	proc     *prometheus.HistogramVec
	lagGauge prometheus.Gauge
}

func newMetricSet(r prometheus.Registerer) *metricSet {
	m := &metricSet{
		msgs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_invalidation_msgs_total",
				Help: "Invalidation messages by result.",
			},
			[]string{"result"},
		),
		apply: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_invalidation_apply_total",
				Help: "Actions taken while applying invalidation messages.",
			},
			[]string{"action"},
		),
		proc: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "session_invalidation_processing_seconds",
				Help:    "Processing time for one invalidation message.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
			[]string{"op"},
		),
		lagGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "session_invalidation_lag_seconds",
				Help: "Approximate lag: now - message.timestamp.",
			},
		),
	}
	if r != nil {
		r.MustRegister(m.msgs, m.apply, m.proc, m.lagGauge)
	}
	return m
}
