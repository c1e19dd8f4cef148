// Package metrics exposes Prometheus collectors for the refresh pipeline.
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

// Stage labels.
const (
	StageCrawl  = "crawl"
	StageScrape = "scrape"
	StageEmbed  = "embed"
)

var (
	stageOutcomesTotal         *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	crawlBytesTotal            *prometheus.CounterVec
	embeddingRequestsTotal     *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	lastRunTimestamp           prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		stageOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ayudas_stage_outcomes_total",
				Help: "Stage results, labeled by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ayudas_stage_duration_seconds",
				Help:    "Per-item stage latency.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"stage"},
		)

		crawlBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ayudas_crawl_bytes_total",
				Help: "Bytes of HTML fetched, labeled by site.",
			},
			[]string{"site"},
		)

		embeddingRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ayudas_embedding_requests_total",
				Help: "Embedding provider calls, labeled by result.",
			},
			[]string{"result"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ayudas_rate_limit_delay_seconds",
				Help:    "Time spent waiting for a per-host request slot.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"site"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ayudas_runs_total",
				Help: "Pipeline runs, labeled by status.",
			},
			[]string{"status"},
		)

		lastRunTimestamp = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ayudas_last_run_timestamp_seconds",
				Help: "Unix time at which the last run finished.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL, or "unknown".
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

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStage counts one stage result.
func ObserveStage(stage, outcome string, took time.Duration) {
	Init()
	stageOutcomesTotal.WithLabelValues(stage, outcome).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(took.Seconds())
}

// ObserveCrawlBytes adds fetched HTML bytes for a site.
func ObserveCrawlBytes(rawURL string, n int) {
	if n <= 0 {
		return
	}
	Init()
	crawlBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(n))
}

// ObserveEmbeddingRequest counts one provider call.
func ObserveEmbeddingRequest(result string) {
	Init()
	embeddingRequestsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records a politeness wait for host.
func ObserveRateLimitDelay(host string, waited time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(waited.Seconds())
}

// ObserveRun counts a finished run.
func ObserveRun(status string, finished time.Time) {
	Init()
	runsTotal.WithLabelValues(status).Inc()
	lastRunTimestamp.Set(float64(finished.Unix()))
}

// ObserveHTTPRequest records one served API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
