// Package observability holds the process-wide Prometheus collectors for the
// HTTP surface, the session cache and its fetch path.
package observability

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	fetchSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "session_fetch_seconds",
			Help: "Latency of upstream session fetches by fidelity and result.",
			// full fetches routinely take minutes
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"fidelity", "result"},
	)

	acquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_acquire_total",
			Help: "Session acquire calls by outcome.",
		},
		[]string{"outcome"},
	)

	ensureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_ensure_total",
			Help: "Ensure-fully-loaded calls by outcome.",
		},
		[]string{"outcome"},
	)

	recordsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "session_records",
			Help: "Cached session records by loading state.",
		},
		[]string{"state"},
	)

	evictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_evictions_total",
			Help: "Session records removed from the cache by reason.",
		},
		[]string{"reason"},
	)

	upgradeRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "session_upgrade_queue_rejections_total",
			Help: "Background upgrades not scheduled because the worker queue was full or closed.",
		},
	)

	fetchCacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_cache_ops_total",
			Help: "Shared fetch-result store operations by op and result.",
		},
		[]string{"op", "result"},
	)

	fetchCacheOpSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fetch_cache_op_seconds",
			Help:    "Latency of shared fetch-result store operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal,
		httpRequestDurationSeconds,
		fetchSeconds,
		acquireTotal,
		ensureTotal,
		recordsByState,
		evictionsTotal,
		upgradeRejections,
		fetchCacheOps,
		fetchCacheOpSeconds,
	}
}

// Init registers every collector with reg. Registering into the same
// registry twice is a no-op.
func Init(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveFetch(fidelity, result string, d time.Duration) {
	fetchSeconds.WithLabelValues(fidelity, result).Observe(d.Seconds())
}

func IncAcquire(outcome string) {
	acquireTotal.WithLabelValues(outcome).Inc()
}

func IncEnsure(outcome string) {
	ensureTotal.WithLabelValues(outcome).Inc()
}

// MoveRecordState shifts one record between state gauges. An empty from
// means the record is new; an empty to means it left the cache.
func MoveRecordState(from, to string) {
	if from == to {
		return
	}
	if from != "" {
		recordsByState.WithLabelValues(from).Dec()
	}
	if to != "" {
		recordsByState.WithLabelValues(to).Inc()
	}
}

func IncEviction(reason string, n int) {
	if n <= 0 {
		return
	}
	evictionsTotal.WithLabelValues(reason).Add(float64(n))
}

func IncUpgradeRejected() {
	upgradeRejections.Inc()
}

func ObserveCacheOp(op, result string, d time.Duration) {
	fetchCacheOps.WithLabelValues(op, result).Inc()
	fetchCacheOpSeconds.WithLabelValues(op).Observe(d.Seconds())
}
