// Package metrics exposes Prometheus collectors for the catalog sync service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cycle outcomes used as the status label of the cycles counter.
const (
	CycleSucceeded = "succeeded"
	CycleFailed    = "failed"
	CycleSkipped   = "skipped"
)

var (
	syncCyclesTotal            *prometheus.CounterVec
	syncCycleDurationSeconds   prometheus.Histogram
	crawlerPagesTotal          *prometheus.CounterVec
	syncNewRecordsTotal        prometheus.Counter
	syncUpsertFailuresTotal    prometheus.Counter
	syncCacheFailuresTotal     prometheus.Counter
	catalogRecords             prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	httpRateLimitedTotal       prometheus.Counter
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		syncCyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_sync_cycles_total",
				Help: "Total number of sync cycles, labeled by outcome.",
			},
			[]string{"status"},
		)

		syncCycleDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "catalog_sync_cycle_duration_seconds",
				Help:    "Histogram of sync cycle wall time.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
		)

		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_crawler_pages_total",
				Help: "Total number of catalog pages rendered, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		syncNewRecordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_sync_new_records_total",
				Help: "Total number of products accepted as new.",
			},
		)

		syncUpsertFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_sync_upsert_failures_total",
				Help: "Total number of document store upserts that failed.",
			},
		)

		syncCacheFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_sync_cache_refresh_failures_total",
				Help: "Total number of failed cache refreshes after a cycle.",
			},
		)

		catalogRecords = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalog_snapshot_records",
				Help: "Number of products in the most recently written snapshot.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		httpRateLimitedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "http_rate_limited_total",
				Help: "Total number of API requests rejected by the rate limiter.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_crawler_rate_limit_delays_seconds",
				Help:    "Histogram of per-host crawl pacing waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveCycle records the outcome and duration of one sync cycle.
func ObserveCycle(status string, duration time.Duration) {
	Init()
	syncCyclesTotal.WithLabelValues(status).Inc()
	if status != CycleSkipped {
		syncCycleDurationSeconds.Observe(duration.Seconds())
	}
}

// ObservePage increments the page counter for the site of pageURL.
func ObservePage(pageURL string, status string) {
	Init()
	crawlerPagesTotal.WithLabelValues(SanitizeSite(pageURL), status).Inc()
}

// ObserveMerge records the result of a successful snapshot merge.
func ObserveMerge(newRecords, totalRecords int) {
	Init()
	syncNewRecordsTotal.Add(float64(newRecords))
	catalogRecords.Set(float64(totalRecords))
}

// ObserveUpsertFailures adds n failed document upserts.
func ObserveUpsertFailures(n int) {
	Init()
	if n > 0 {
		syncUpsertFailuresTotal.Add(float64(n))
	}
}

// ObserveCacheFailure increments the cache refresh failure counter.
func ObserveCacheFailure() {
	Init()
	syncCacheFailuresTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimited counts a request rejected by the API limiter.
func ObserveRateLimited() {
	Init()
	httpRateLimitedTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a crawl pacing wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
