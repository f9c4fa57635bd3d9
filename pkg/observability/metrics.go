package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Token lifecycle metrics
	TokenRequestsTotal        *prometheus.CounterVec
	TokenRefreshFailuresTotal prometheus.Counter
	ForcedLogoutsTotal        prometheus.Counter

	// Lock metrics
	LockWaitDuration  prometheus.Histogram
	LockTimeoutsTotal prometheus.Counter

	// Store metrics
	CacheHitsTotal            *prometheus.CounterVec
	CacheMissesTotal          *prometheus.CounterVec
	DurableWriteFailuresTotal prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gluubridge_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gluubridge_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		TokenRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gluubridge_token_requests_total",
				Help: "Total number of token grant requests to the identity provider",
			},
			[]string{"grant", "outcome"},
		),
		TokenRefreshFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gluubridge_token_refresh_failures_total",
				Help: "Total number of failed refresh-token grants",
			},
		),
		ForcedLogoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gluubridge_forced_logouts_total",
				Help: "Total number of sessions terminated after a refresh failure",
			},
		),
		LockWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gluubridge_token_lock_wait_seconds",
				Help:    "Time spent waiting for the token request lock",
				Buckets: prometheus.DefBuckets,
			},
		),
		LockTimeoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gluubridge_token_lock_timeouts_total",
				Help: "Total number of token request lock acquisitions that timed out",
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gluubridge_token_cache_hits_total",
				Help: "Total number of token store hits by tier",
			},
			[]string{"tier"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gluubridge_token_cache_misses_total",
				Help: "Total number of token store misses by tier",
			},
			[]string{"tier"},
		),
		DurableWriteFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gluubridge_durable_write_failures_total",
				Help: "Total number of swallowed durable-store write failures",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TokenRequestsTotal,
		m.TokenRefreshFailuresTotal,
		m.ForcedLogoutsTotal,
		m.LockWaitDuration,
		m.LockTimeoutsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DurableWriteFailuresTotal,
	)

	return m
}

// Handler returns an HTTP handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
