// Package metrics exposes Prometheus collectors for the harvester.
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

// Record outcomes used as the "outcome" label of harvester_records_total.
const (
	OutcomeProcessed     = "processed"
	OutcomeDuplicate     = "duplicate"
	OutcomeInvalid       = "invalid"
	OutcomePersistFailed = "persist_failed"
	OutcomeSkipped       = "skipped"
)

// Fetch results used as the "result" label of harvester_fetches_total.
const (
	FetchOK    = "ok"
	FetchEmpty = "empty"
	FetchError = "error"
)

var (
	recordsTotal               *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	checkpointsTotal           prometheus.Counter
	runDurationSeconds         prometheus.Histogram
	activeSource               *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_records_total",
				Help: "Candidate records handled, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetches_total",
				Help: "Catalog page fetches, labeled by source and result.",
			},
			[]string{"source", "result"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_runs_total",
				Help: "Completed harvest runs, labeled by result.",
			},
			[]string{"result"},
		)

		checkpointsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_checkpoints_total",
				Help: "Crawl-state checkpoints written.",
			},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_run_duration_seconds",
				Help:    "Wall-clock duration of harvest runs.",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3300, 3600},
			},
		)

		activeSource = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_active_source",
				Help: "1 for the source currently being drained, 0 otherwise.",
			},
			[]string{"source"},
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

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of catalog rate limit wait durations.",
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

// ObserveRecord counts one record outcome for source.
func ObserveRecord(source, outcome string) {
	Init()
	recordsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveFetch counts one page fetch for source.
func ObserveFetch(source, result string) {
	Init()
	fetchesTotal.WithLabelValues(source, result).Inc()
}

// ObserveRun records the outcome and duration of a finished run.
func ObserveRun(success bool, duration time.Duration) {
	Init()
	result := "success"
	if !success {
		result = "failure"
	}
	runsTotal.WithLabelValues(result).Inc()
	runDurationSeconds.Observe(duration.Seconds())
}

// ObserveCheckpoint counts a successful crawl-state checkpoint.
func ObserveCheckpoint() {
	Init()
	checkpointsTotal.Inc()
}

// SetActiveSource marks current as the source being drained.
func SetActiveSource(current string, all []string) {
	Init()
	for _, name := range all {
		v := 0.0
		if name == current {
			v = 1
		}
		activeSource.WithLabelValues(name).Set(v)
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
