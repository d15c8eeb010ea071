// Package metrics exposes Prometheus collectors for the retrieval service.
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
	discoveryRunsTotal         *prometheus.CounterVec
	discoveryPagesTotal        *prometheus.CounterVec
	discoveryDescriptorsTotal  *prometheus.CounterVec
	extractRowsSkippedTotal    *prometheus.CounterVec
	retryFailuresTotal         *prometheus.CounterVec
	downloadsTotal             *prometheus.CounterVec
	downloadBytesTotal         *prometheus.CounterVec
	activeRuns                 prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		discoveryRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fdd_discovery_runs_total",
				Help: "Discovery runs, labeled by source and outcome.",
			},
			[]string{"source", "status"},
		)

		discoveryPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fdd_discovery_pages_total",
				Help: "Listing pages loaded, labeled by source and pagination strategy.",
			},
			[]string{"source", "strategy"},
		)

		discoveryDescriptorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fdd_discovery_descriptors_total",
				Help: "Document descriptors discovered, labeled by source.",
			},
			[]string{"source"},
		)

		extractRowsSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fdd_extract_rows_skipped_total",
				Help: "Listing rows that produced no descriptor, labeled by source and reason.",
			},
			[]string{"source", "reason"},
		)

		retryFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fdd_retry_failed_attempts_total",
				Help: "Failed attempts seen by the retry executor, labeled by operation.",
			},
			[]string{"operation"},
		)

		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fdd_downloads_total",
				Help: "Document retrievals, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		downloadBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fdd_download_bytes_total",
				Help: "Validated document bytes, labeled by source.",
			},
			[]string{"source"},
		)

		activeRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fdd_active_runs",
				Help: "Number of discovery runs currently holding a browser session.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fdd_rate_limit_delay_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
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

// SanitizeHost extracts a lowercase hostname, or "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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

// ObserveRun records a finished discovery run.
func ObserveRun(source, status string) {
	Init()
	discoveryRunsTotal.WithLabelValues(source, status).Inc()
}

// ObservePages records listing pages loaded by a paginator.
func ObservePages(source, strategy string, pages int) {
	Init()
	if pages > 0 {
		discoveryPagesTotal.WithLabelValues(source, strategy).Add(float64(pages))
	}
}

// ObserveDescriptors records discovered descriptors.
func ObserveDescriptors(source string, n int) {
	Init()
	if n > 0 {
		discoveryDescriptorsTotal.WithLabelValues(source).Add(float64(n))
	}
}

// ObserveSkippedRows records listing rows dropped by the extractor.
func ObserveSkippedRows(source, reason string, n int) {
	Init()
	if n > 0 {
		extractRowsSkippedTotal.WithLabelValues(source, reason).Add(float64(n))
	}
}

// ObserveRetryFailure counts one failed attempt of operation.
func ObserveRetryFailure(operation string) {
	Init()
	retryFailuresTotal.WithLabelValues(operation).Inc()
}

// ObserveDownload records a retrieval outcome and its size.
func ObserveDownload(source, status string, bytesFetched int) {
	Init()
	downloadsTotal.WithLabelValues(source, status).Inc()
	if bytesFetched > 0 {
		downloadBytesTotal.WithLabelValues(source).Add(float64(bytesFetched))
	}
}

// IncActiveRuns increments the active runs gauge.
func IncActiveRuns() {
	Init()
	activeRuns.Inc()
}

// DecActiveRuns decrements the active runs gauge.
func DecActiveRuns() {
	Init()
	activeRuns.Dec()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
