// Package metrics provides Prometheus instrumentation for the gatekeeper
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the
// global default) so that only gatekeeper metrics appear on the /metrics
// endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the gatekeeper server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	SnapshotSize         prometheus.Gauge
	SnapshotReloadsTotal prometheus.Counter
	CacheInvalidations   prometheus.Counter
	EvaluationsTotal     *prometheus.CounterVec
	AuthFailuresTotal    prometheus.Counter
	ActiveStreams        prometheus.Gauge
}

// New creates and registers all gatekeeper metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatekeeper_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		SnapshotSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_snapshot_size",
			Help: "Number of flags in the in-memory evaluation snapshot.",
		}),

		SnapshotReloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_snapshot_reloads_total",
			Help: "Total number of snapshot rebuilds from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered cache invalidations.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_flag_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"environment", "reason"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_active_streams",
			Help: "Number of active SSE streaming connections.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SnapshotSize,
		m.SnapshotReloadsTotal,
		m.CacheInvalidations,
		m.EvaluationsTotal,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation increments the evaluation counter for one outcome.
func (m *Metrics) RecordEvaluation(environment, reason string) {
	m.EvaluationsTotal.WithLabelValues(environment, reason).Inc()
}

// OnSnapshotReload updates the snapshot gauges after a reload.
func (m *Metrics) OnSnapshotReload(size float64) {
	m.SnapshotSize.Set(size)
	m.SnapshotReloadsTotal.Inc()
}

// OnCacheInvalidation increments the cache invalidation counter.
func (m *Metrics) OnCacheInvalidation() {
	m.CacheInvalidations.Inc()
}
