// Package metrics exposes Prometheus collectors for the forum crawler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal                 *prometheus.CounterVec
	challengesTotal            *prometheus.CounterVec
	backoffSeconds             prometheus.Histogram
	cooldownsTotal             prometheus.Counter
	postsTotal                 *prometheus.CounterVec
	claimsTotal                *prometheus.CounterVec
	frontierTransitionsTotal   *prometheus.CounterVec
	storeRetriesTotal          *prometheus.CounterVec
	processedTopics            prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forumcrawler_pages_total",
				Help: "Pages processed, labeled by URL type and outcome.",
			},
			[]string{"type", "outcome"},
		)

		challengesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forumcrawler_challenges_total",
				Help: "Anti-bot challenges encountered, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		backoffSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "forumcrawler_backoff_seconds",
				Help:    "Cross-request backoff sleeps after blocked pages.",
				Buckets: []float64{15, 30, 60, 120, 240, 480, 600},
			},
		)

		cooldownsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "forumcrawler_cooldowns_total",
				Help: "Long cooldowns forced after consecutive blocks.",
			},
		)

		postsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forumcrawler_posts_total",
				Help: "Posts submitted to the post store, labeled by result.",
			},
			[]string{"result"},
		)

		claimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forumcrawler_claims_total",
				Help: "Frontier entries claimed, labeled by URL type.",
			},
			[]string{"type"},
		)

		frontierTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forumcrawler_frontier_transitions_total",
				Help: "Frontier entries returned to pending, labeled by kind.",
			},
			[]string{"kind"},
		)

		storeRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forumcrawler_store_retries_total",
				Help: "Store operations retried after a connectivity failure.",
			},
			[]string{"op"},
		)

		processedTopics = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "forumcrawler_processed_topics",
				Help: "Topic pages processed by this worker.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forumcrawler_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host page rate ceiling.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"host"},
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
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts a processed page.
func ObservePage(urlType, outcome string) {
	Init()
	pagesTotal.WithLabelValues(urlType, outcome).Inc()
}

// ObserveChallenge counts a challenge by its final outcome.
func ObserveChallenge(outcome string) {
	Init()
	challengesTotal.WithLabelValues(outcome).Inc()
}

// ObserveBackoff records a cross-request backoff sleep.
func ObserveBackoff(d time.Duration) {
	Init()
	backoffSeconds.Observe(d.Seconds())
}

// ObserveCooldown counts a forced cooldown.
func ObserveCooldown() {
	Init()
	cooldownsTotal.Inc()
}

// ObservePosts records inserted and duplicate post counts.
func ObservePosts(inserted, duplicates int) {
	Init()
	if inserted > 0 {
		postsTotal.WithLabelValues("inserted").Add(float64(inserted))
	}
	if duplicates > 0 {
		postsTotal.WithLabelValues("duplicate").Add(float64(duplicates))
	}
}

// ObserveClaims records claimed entries for a URL type.
func ObserveClaims(urlType string, n int) {
	Init()
	if urlType == "" {
		urlType = "any"
	}
	if n > 0 {
		claimsTotal.WithLabelValues(urlType).Add(float64(n))
	}
}

// ObserveTransition records entries moved back to pending ("reclaimed", "retried", "released").
func ObserveTransition(kind string, n int) {
	Init()
	if n > 0 {
		frontierTransitionsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveStoreRetry counts a retried store operation.
func ObserveStoreRetry(op string) {
	Init()
	storeRetriesTotal.WithLabelValues(op).Inc()
}

// SetProcessedTopics publishes the worker's processed topic count.
func SetProcessedTopics(n int) {
	Init()
	processedTopics.Set(float64(n))
}

// ObserveRateLimitDelay records a wait imposed by the page rate ceiling.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
