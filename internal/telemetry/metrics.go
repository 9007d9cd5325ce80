// Package telemetry provides observability primitives for the PlayerDB
// gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	LookupDuration   *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	SessionPoolSize  prometheus.Gauge
	SessionPoolLimit prometheus.Gauge
	AnalyticsQueue   prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playerdb",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "playerdb",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "playerdb",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		LookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "playerdb",
			Name:                            "lookup_duration_seconds",
			Help:                            "Platform lookup duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"platform"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playerdb",
			Name:      "upstream_errors_total",
			Help:      "Total upstream identity-service errors.",
		}, []string{"platform", "code"}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playerdb",
			Name:      "cache_hits_total",
			Help:      "Total cache hits by layer.",
		}, []string{"layer"}),

		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playerdb",
			Name:      "cache_misses_total",
			Help:      "Total cache misses by layer.",
		}, []string{"layer"}),

		SessionPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "playerdb",
			Name:      "session_pool_size",
			Help:      "Current Hytale game-session pool size.",
		}),

		SessionPoolLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "playerdb",
			Name:      "session_pool_limit",
			Help:      "Configured maximum Hytale game-session pool size.",
		}),

		AnalyticsQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "playerdb",
			Name:      "analytics_queue_length",
			Help:      "Current number of queued analytics data points.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.LookupDuration,
		m.UpstreamErrors,
		m.CacheHits,
		m.CacheMisses,
		m.SessionPoolSize,
		m.SessionPoolLimit,
		m.AnalyticsQueue,
	)

	return m
}
