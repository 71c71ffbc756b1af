// Package metrics defines the Prometheus metric collectors used across the
// ranker and exposes an HTTP handler for scraping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the ranker. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	HTTPRequestsTotal      *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec
	HTTPRequestsInFlight   prometheus.Gauge
	PagesTotal             *prometheus.CounterVec
	PageLatency            *prometheus.HistogramVec
	TierSkippedTotal       *prometheus.CounterVec
	TierCandidates         *prometheus.HistogramVec
	ExcludeDegradedTotal   prometheus.Counter
	CacheHitsTotal         prometheus.Counter
	CacheMissesTotal       prometheus.Counter
	CacheErrorsTotal       prometheus.Counter
	DiversityRelaxedTotal  prometheus.Counter
	InventoryLowTotal      prometheus.Counter
	ImpressionsRecorded    prometheus.Counter
	EventsUnconfirmedTotal prometheus.Counter
	RecorderFlushFailures  prometheus.Counter
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. Passing nil uses
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		PagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_pages_total",
				Help: "Feed pages served by result (ok, partial, cache_hit, or an error kind).",
			},
			[]string{"result"},
		),
		PageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feed_page_latency_seconds",
				Help:    "Feed page assembly latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.25, 0.5, 1},
			},
			[]string{"cache"},
		),
		TierSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_tier_skipped_total",
				Help: "Candidate tiers skipped because of an error, deadline, or open circuit.",
			},
			[]string{"tier"},
		),
		TierCandidates: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feed_tier_candidates",
				Help:    "Candidates contributed per tier per page.",
				Buckets: []float64{0, 1, 4, 12, 24, 36, 72, 150},
			},
			[]string{"tier"},
		),
		ExcludeDegradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_exclude_degraded_total",
			Help: "Pages assembled with an empty exclude set after an impression log read failure.",
		}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_cache_hits_total",
			Help: "Page memo hits.",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_cache_misses_total",
			Help: "Page memo misses.",
		}),
		CacheErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_cache_errors_total",
			Help: "Session cache backend failures (request served in bypass mode).",
		}),
		DiversityRelaxedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_diversity_relaxed_total",
			Help: "Slots filled after relaxing the per-creator constraints.",
		}),
		InventoryLowTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_inventory_low_total",
			Help: "Pages whose unseen pool fell below the inventory waterline.",
		}),
		ImpressionsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_impressions_recorded_total",
			Help: "Impressions newly written to the impression log.",
		}),
		EventsUnconfirmedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_events_unconfirmed_total",
			Help: "View events dropped by the viewability gate.",
		}),
		RecorderFlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_recorder_flush_failures_total",
			Help: "Impression batch flushes that failed after retries.",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.PagesTotal,
		m.PageLatency,
		m.TierSkippedTotal,
		m.TierCandidates,
		m.ExcludeDegradedTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheErrorsTotal,
		m.DiversityRelaxedTotal,
		m.InventoryLowTotal,
		m.ImpressionsRecorded,
		m.EventsUnconfirmedTotal,
		m.RecorderFlushFailures,
		m.CircuitBreakerState,
	)

	return m
}

// TierSkipped records a skipped tier.
func (m *Metrics) TierSkipped(tier string) {
	if m == nil {
		return
	}
	m.TierSkippedTotal.WithLabelValues(tier).Inc()
}

// TierContributed records how many candidates a tier contributed.
func (m *Metrics) TierContributed(tier string, n int) {
	if m == nil {
		return
	}
	m.TierCandidates.WithLabelValues(tier).Observe(float64(n))
}

// Page records a served page outcome and its latency in seconds.
func (m *Metrics) Page(result string, cacheHit bool, seconds float64) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(result).Inc()
	cache := "miss"
	if cacheHit {
		cache = "hit"
	}
	m.PageLatency.WithLabelValues(cache).Observe(seconds)
}

// Inc increments c when m is non-nil.
func (m *Metrics) Inc(c func(*Metrics) prometheus.Counter) {
	if m == nil {
		return
	}
	c(m).Inc()
}

// Add adds n to c when m is non-nil.
func (m *Metrics) Add(c func(*Metrics) prometheus.Counter, n int) {
	if m == nil || n <= 0 {
		return
	}
	c(m).Add(float64(n))
}

// SetBreakerState publishes a circuit breaker state.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Selectors for Inc/Add.
func ExcludeDegraded(m *Metrics) prometheus.Counter { return m.ExcludeDegradedTotal }
func CacheHits(m *Metrics) prometheus.Counter { return m.CacheHitsTotal }
func CacheMisses(m *Metrics) prometheus.Counter { return m.CacheMissesTotal }
func CacheErrors(m *Metrics) prometheus.Counter { return m.CacheErrorsTotal }
func DiversityRelaxed(m *Metrics) prometheus.Counter { return m.DiversityRelaxedTotal }
func InventoryLow(m *Metrics) prometheus.Counter { return m.InventoryLowTotal }
func Impressions(m *Metrics) prometheus.Counter { return m.ImpressionsRecorded }
func Unconfirmed(m *Metrics) prometheus.Counter { return m.EventsUnconfirmedTotal }
func FlushFailures(m *Metrics) prometheus.Counter { return m.RecorderFlushFailures }
