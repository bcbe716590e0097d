// Package metrics exposes Prometheus collectors for scrape runs and cache
// traffic. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smtrack"

// Collector owns a private registry so several instances can coexist in one
// process (tests, embedded servers).
type Collector struct {
	registry *prometheus.Registry

	scrapeAttempts *prometheus.CounterVec
	scrapeRuns     *prometheus.CounterVec
	runDuration    prometheus.Histogram
	rateLimitWait  *prometheus.HistogramVec
	cacheRequests  *prometheus.CounterVec
	cacheDuration  *prometheus.HistogramVec
	cacheDegraded  prometheus.Gauge
}

// New creates a Collector with Go runtime and process collectors attached.
func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.scrapeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrape_attempts_total",
			Help:      "Source adapter fetch attempts by outcome",
		},
		[]string{"source", "outcome"},
	)
	c.scrapeRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrape_runs_total",
			Help:      "Completed orchestrator runs by mode",
		},
		[]string{"mode"},
	)
	c.runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scrape_run_duration_seconds",
			Help:      "Wall-clock duration of orchestrator runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)
	c.rateLimitWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time workers spent waiting on the per-source gate",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source"},
	)
	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by tier, key pattern and result",
		},
		[]string{"tier", "pattern", "result"},
	)
	c.cacheDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_request_duration_seconds",
			Help:      "Cache read latency by key pattern",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"pattern"},
	)
	c.cacheDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_degraded",
			Help:      "1 while the distributed cache tier is unreachable",
		},
	)

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.scrapeAttempts,
		c.scrapeRuns,
		c.runDuration,
		c.rateLimitWait,
		c.cacheRequests,
		c.cacheDuration,
		c.cacheDegraded,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ScrapeAttempt counts one adapter call. outcome is "success" or a failure
// kind such as "rate_limited".
func (c *Collector) ScrapeAttempt(source, outcome string) {
	if c == nil {
		return
	}
	c.scrapeAttempts.WithLabelValues(source, outcome).Inc()
}

func (c *Collector) ScrapeRun(mode string, d time.Duration) {
	if c == nil {
		return
	}
	c.scrapeRuns.WithLabelValues(mode).Inc()
	c.runDuration.Observe(d.Seconds())
}

func (c *Collector) RateLimitWait(source string, d time.Duration) {
	if c == nil {
		return
	}
	c.rateLimitWait.WithLabelValues(source).Observe(d.Seconds())
}

// CacheRequest counts a lookup against tier ("l1", "l2") with result "hit",
// "miss" or "error".
func (c *Collector) CacheRequest(tier, pattern, result string) {
	if c == nil {
		return
	}
	c.cacheRequests.WithLabelValues(tier, pattern, result).Inc()
}

func (c *Collector) CacheDuration(pattern string, d time.Duration) {
	if c == nil {
		return
	}
	c.cacheDuration.WithLabelValues(pattern).Observe(d.Seconds())
}

func (c *Collector) CacheDegraded(degraded bool) {
	if c == nil {
		return
	}
	if degraded {
		c.cacheDegraded.Set(1)
	} else {
		c.cacheDegraded.Set(0)
	}
}
