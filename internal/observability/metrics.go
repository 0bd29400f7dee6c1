// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for TenantGate.
package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the admission hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	admissionAllowed int64
	admissionDenied  int64
	cacheHits        int64
	cacheMisses      int64
	fetchFailures    int64
	counterErrors    int64

	// Prometheus counters for scraping.
	promAdmissionAllowed prometheus.Counter
	promCacheHits        prometheus.Counter
	promCacheMisses      prometheus.Counter
	promCounterErrors    prometheus.Counter
	promSweepRemoved     prometheus.Counter

	// Denials and fetch outcomes are labeled. Deny reasons and error kinds
	// are small fixed sets, so labels are safe from cardinality explosions.
	promAdmissionDenied *prometheus.CounterVec
	promFetches         *prometheus.CounterVec

	// Prometheus histograms.
	PromFetchDuration   prometheus.Histogram
	PromRequestDuration *prometheus.HistogramVec

	// Point-in-time gauges driven by callbacks.
	promCacheSize       prometheus.GaugeFunc
	promOpenConnections prometheus.GaugeFunc
}

// NewMetrics creates and registers Prometheus metrics. cacheSize and
// openConns feed the gauges on scrape; either may be nil.
func NewMetrics(reg prometheus.Registerer, cacheSize func() int, openConns func() int64) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if cacheSize == nil {
		cacheSize = func() int { return 0 }
	}
	if openConns == nil {
		openConns = func() int64 { return 0 }
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promAdmissionAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tenantgate",
			Name:      "admission_allowed_total",
			Help:      "Total number of admission checks that allowed.",
		}),
		promAdmissionDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantgate",
			Name:      "admission_denied_total",
			Help:      "Total number of admission checks that denied, by reason.",
		}, []string{"reason"}),
		promCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tenantgate",
			Name:      "snapshot_cache_hits_total",
			Help:      "Total number of snapshot lookups served from cache.",
		}),
		promCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tenantgate",
			Name:      "snapshot_cache_misses_total",
			Help:      "Total number of snapshot lookups that required a fetch.",
		}),
		promFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantgate",
			Name:      "snapshot_fetches_total",
			Help:      "Total number of snapshot fetches from the authority, by outcome.",
		}, []string{"outcome"}),
		promCounterErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tenantgate",
			Name:      "counter_errors_total",
			Help:      "Total number of connection counter backend errors.",
		}),
		promSweepRemoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tenantgate",
			Name:      "snapshot_cache_swept_total",
			Help:      "Total number of expired snapshot entries removed by sweeps.",
		}),
		PromFetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tenantgate",
			Name:      "snapshot_fetch_duration_seconds",
			Help:      "Snapshot fetch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tenantgate",
			Name:      "request_duration_seconds",
			Help:      "Admission API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		promCacheSize: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tenantgate",
			Name:      "snapshot_cache_entries",
			Help:      "Current number of entries in the snapshot cache.",
		}, func() float64 { return float64(cacheSize()) }),
		promOpenConnections: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tenantgate",
			Name:      "open_connections",
			Help:      "Current number of admitted connections across all projects.",
		}, func() float64 { return float64(openConns()) }),
	}

	return m
}

// IncAdmissionAllowed increments the allowed admissions counter.
func (m *Metrics) IncAdmissionAllowed() {
	atomic.AddInt64(&m.admissionAllowed, 1)
	m.promAdmissionAllowed.Inc()
}

// IncAdmissionDenied increments the denied admissions counter for a reason.
func (m *Metrics) IncAdmissionDenied(reason string) {
	atomic.AddInt64(&m.admissionDenied, 1)
	m.promAdmissionDenied.WithLabelValues(reason).Inc()
}

// IncCacheHits increments the snapshot cache hit counter.
func (m *Metrics) IncCacheHits() {
	atomic.AddInt64(&m.cacheHits, 1)
	m.promCacheHits.Inc()
}

// IncCacheMisses increments the snapshot cache miss counter.
func (m *Metrics) IncCacheMisses() {
	atomic.AddInt64(&m.cacheMisses, 1)
	m.promCacheMisses.Inc()
}

// ObserveFetch records one fetch's outcome and duration. outcome is
// "success" or a fetch error kind.
func (m *Metrics) ObserveFetch(outcome string, duration time.Duration) {
	if outcome != "success" {
		atomic.AddInt64(&m.fetchFailures, 1)
	}
	m.promFetches.WithLabelValues(outcome).Inc()
	m.PromFetchDuration.Observe(duration.Seconds())
}

// IncCounterErrors increments the counter backend error counter.
func (m *Metrics) IncCounterErrors() {
	atomic.AddInt64(&m.counterErrors, 1)
	m.promCounterErrors.Inc()
}

// AddSweepRemoved records entries removed by one cache sweep.
func (m *Metrics) AddSweepRemoved(n int) {
	m.promSweepRemoved.Add(float64(n))
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	AdmissionAllowed int64
	AdmissionDenied  int64
	CacheHits        int64
	CacheMisses      int64
	FetchFailures    int64
	CounterErrors    int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		AdmissionAllowed: atomic.LoadInt64(&m.admissionAllowed),
		AdmissionDenied:  atomic.LoadInt64(&m.admissionDenied),
		CacheHits:        atomic.LoadInt64(&m.cacheHits),
		CacheMisses:      atomic.LoadInt64(&m.cacheMisses),
		FetchFailures:    atomic.LoadInt64(&m.fetchFailures),
		CounterErrors:    atomic.LoadInt64(&m.counterErrors),
	}
}
