package webproxy

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activeConns       prometheus.Gauge
	rejectedConns     *prometheus.CounterVec
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	cacheEvictions    *prometheus.CounterVec
	cacheExpirations  prometheus.Counter
	cacheEntries      prometheus.Gauge
	originFetches     *prometheus.CounterVec
	originErrors      *prometheus.CounterVec
	blocklistPatterns prometheus.Gauge
	blocklistReloads  prometheus.Counter
	blocklistErrs     prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webproxy",
			Name:      "requests_total",
			Help:      "Total number of requests handled, by outcome.",
		}, []string{"outcome"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "webproxy",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "webproxy",
			Name:      "active_connections",
			Help:      "Number of client connections being handled.",
		}),

		rejectedConns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webproxy",
			Name:      "rejected_connections_total",
			Help:      "Number of client connections rejected before handling.",
		}, []string{"reason"}),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webproxy",
			Name:      "cache_hits_total",
			Help:      "Number of response cache hits.",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webproxy",
			Name:      "cache_misses_total",
			Help:      "Number of response cache misses.",
		}),

		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webproxy",
			Name:      "cache_evictions_total",
			Help:      "Number of entries evicted to make room, by policy.",
		}, []string{"policy"}),

		cacheExpirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webproxy",
			Name:      "cache_expirations_total",
			Help:      "Number of entries removed for exceeding the TTL.",
		}),

		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "webproxy",
			Name:      "cache_entries",
			Help:      "Number of entries in the response cache.",
		}),

		originFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webproxy",
			Name:      "origin_fetches_total",
			Help:      "Number of successful origin fetches, by target kind.",
		}, []string{"target"}),

		originErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webproxy",
			Name:      "origin_errors_total",
			Help:      "Number of failed origin fetches.",
		}, []string{"target", "kind"}),

		blocklistPatterns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "webproxy",
			Name:      "blocklist_patterns",
			Help:      "Number of active blocklist patterns.",
		}),

		blocklistReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webproxy",
			Name:      "blocklist_reloads_total",
			Help:      "Number of successful blocklist reloads.",
		}),

		blocklistErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webproxy",
			Name:      "blocklist_reload_errors_total",
			Help:      "Number of failed blocklist reloads.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeConns,
		m.rejectedConns,
		m.cacheHits,
		m.cacheMisses,
		m.cacheEvictions,
		m.cacheExpirations,
		m.cacheEntries,
		m.originFetches,
		m.originErrors,
		m.blocklistPatterns,
		m.blocklistReloads,
		m.blocklistErrs,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the private registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records a handled request and how long it took.
func (m *Metrics) RecordRequest(outcome Outcome, duration time.Duration) {
	m.requestsTotal.WithLabelValues(string(outcome)).Inc()
	m.requestDuration.WithLabelValues(string(outcome)).Observe(duration.Seconds())
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// RecordRejected records a connection turned away before handling.
func (m *Metrics) RecordRejected(reason string) {
	m.rejectedConns.WithLabelValues(reason).Inc()
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Inc()
}

// RecordCacheEviction records one capacity eviction.
func (m *Metrics) RecordCacheEviction(policy string) {
	m.cacheEvictions.WithLabelValues(policy).Inc()
}

// RecordCacheExpirations records n entries removed for age.
func (m *Metrics) RecordCacheExpirations(n int) {
	m.cacheExpirations.Add(float64(n))
}

// SetCacheEntries sets the cache size gauge.
func (m *Metrics) SetCacheEntries(n int) {
	m.cacheEntries.Set(float64(n))
}

// RecordOriginFetch records a successful fetch from a target kind
// ("override" or "origin").
func (m *Metrics) RecordOriginFetch(target string) {
	m.originFetches.WithLabelValues(target).Inc()
}

// RecordOriginError records a failed fetch. kind is one of "connect",
// "transfer", "empty" or "too_large".
func (m *Metrics) RecordOriginError(target, kind string) {
	m.originErrors.WithLabelValues(target, kind).Inc()
}

// SetBlocklistPatterns sets the current pattern count.
func (m *Metrics) SetBlocklistPatterns(count int) {
	m.blocklistPatterns.Set(float64(count))
}

// RecordBlocklistReload records a successful blocklist reload.
func (m *Metrics) RecordBlocklistReload() {
	m.blocklistReloads.Inc()
}

// RecordBlocklistReloadError records a failed blocklist reload.
func (m *Metrics) RecordBlocklistReloadError() {
	m.blocklistErrs.Inc()
}
