// Package metrics exposes Prometheus collectors for the crawler service.
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

var (
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerFetchDurationSeconds   *prometheus.HistogramVec
	crawlerFetchErrorsTotal       *prometheus.CounterVec
	crawlerTasksTotal             *prometheus.CounterVec
	crawlerClaimsTotal            *prometheus.CounterVec
	crawlerRobotsFetchTotal       *prometheus.CounterVec
	crawlerRobotsCacheTotal       *prometheus.CounterVec
	crawlerPolitenessWaitSeconds  *prometheus.HistogramVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerLinksEnqueuedTotal     prometheus.Counter
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	crawlerRobotsTLSTimeoutsTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages fetched, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of body bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of page fetch durations, labeled by outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		)

		crawlerFetchErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_errors_total",
				Help: "Total number of classified fetch errors, labeled by kind.",
			},
			[]string{"kind"},
		)

		crawlerTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_tasks_total",
				Help: "Total number of crawl tasks finished, labeled by state.",
			},
			[]string{"state"},
		)

		crawlerClaimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_claims_total",
				Help: "Total number of claim attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerRobotsFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_fetch_total",
				Help: "Total number of robots.txt fetches, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerRobotsCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_cache_total",
				Help: "Total number of robots policy lookups, labeled by hit or miss.",
			},
			[]string{"result"},
		)

		crawlerPolitenessWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_politeness_wait_seconds",
				Help:    "Histogram of time spent waiting for a per-host dispatch slot.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		crawlerLinksEnqueuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_links_enqueued_total",
				Help: "Total number of discovered links enqueued.",
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

		crawlerRobotsTLSTimeoutsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_robots_tls_handshake_timeout_total",
				Help: "Total TLS handshake timeouts encountered while fetching robots.txt.",
			},
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
	return promhttp.Handler()
}

// ObserveFetch records a finished fetch.
func ObserveFetch(site string, outcome string, bytesFetched int, duration time.Duration) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
	crawlerFetchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveFetchError increments the error counter for a fetch error kind.
func ObserveFetchError(kind string) {
	Init()
	crawlerFetchErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveTask increments the task counter for the given terminal state.
func ObserveTask(state string) {
	Init()
	crawlerTasksTotal.WithLabelValues(state).Inc()
}

// ObserveClaim increments the claim counter for the given outcome.
func ObserveClaim(outcome string) {
	Init()
	crawlerClaimsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRobotsFetch records the result of a robots.txt fetch.
func ObserveRobotsFetch(result string) {
	Init()
	crawlerRobotsFetchTotal.WithLabelValues(result).Inc()
}

// ObserveRobotsCache records a policy cache hit or miss.
func ObserveRobotsCache(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	crawlerRobotsCacheTotal.WithLabelValues(result).Inc()
}

// ObserveRobotsTLSTimeout increments the robots TLS handshake timeout counter.
func ObserveRobotsTLSTimeout() {
	Init()
	crawlerRobotsTLSTimeoutsTotal.Inc()
}

// ObservePolitenessWait records how long a dispatch waited for its host slot.
func ObservePolitenessWait(domain string, duration time.Duration) {
	Init()
	crawlerPolitenessWaitSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveLinksEnqueued adds n to the enqueued links counter.
func ObserveLinksEnqueued(n int) {
	if n <= 0 {
		return
	}
	Init()
	crawlerLinksEnqueuedTotal.Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}
