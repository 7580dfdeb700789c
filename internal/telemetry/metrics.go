// Package telemetry defines the Prometheus metrics exposed by the engine.
package telemetry

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_pages_total",
			Help: "Total pages fetched, labeled by site and status class.",
		},
		[]string{"site", "status"},
	)

	crawlerBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_bytes_total",
			Help: "Total body bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	crawlerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_jobs_total",
			Help: "Total jobs reaching a terminal status.",
		},
		[]string{"status"},
	)

	crawlerTaskRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_task_retries_total",
			Help: "Total task retries, labeled by site and error kind.",
		},
		[]string{"site", "kind"},
	)

	crawlerAuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_auth_attempts_total",
			Help: "Total login attempts, labeled by site and outcome.",
		},
		[]string{"site", "outcome"},
	)

	crawlerCircuitTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_circuit_transitions_total",
			Help: "Circuit breaker transitions, labeled by site and new state.",
		},
		[]string{"site", "state"},
	)

	crawlerActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_active_workers",
			Help: "Workers currently executing a fetch task.",
		},
	)

	crawlerRateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_rate_limit_delay_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"site"},
	)

	crawlerFetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Histogram of fetch latencies, labeled by capability.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 45},
		},
		[]string{"capability"},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ClassifyStatus groups HTTP status codes into coarse classes.
func ClassifyStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}

// SanitizeSite reduces a raw URL or site label to a lowercase hostname.
func SanitizeSite(raw string) string {
	if raw == "" {
		return "unknown"
	}
	if !strings.Contains(raw, "://") {
		return strings.ToLower(raw)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObservePage records a fetched page.
func ObservePage(site string, statusCode, bodyBytes int, capability string, d time.Duration) {
	label := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(label, ClassifyStatus(statusCode)).Inc()
	if bodyBytes > 0 {
		crawlerBytesTotal.WithLabelValues(label).Add(float64(bodyBytes))
	}
	crawlerFetchDurationSeconds.WithLabelValues(capability).Observe(d.Seconds())
}

// ObserveJob records a job reaching a terminal status.
func ObserveJob(status string) {
	crawlerJobsTotal.WithLabelValues(status).Inc()
}

// ObserveTaskRetry records one task retry.
func ObserveTaskRetry(site, kind string) {
	crawlerTaskRetriesTotal.WithLabelValues(SanitizeSite(site), kind).Inc()
}

// ObserveAuthAttempt records a login attempt outcome.
func ObserveAuthAttempt(site, outcome string) {
	crawlerAuthAttemptsTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
}

// ObserveCircuitTransition records a breaker state change.
func ObserveCircuitTransition(site, state string) {
	crawlerCircuitTransitionsTotal.WithLabelValues(SanitizeSite(site), state).Inc()
}

// ObserveRateLimitDelay records time spent waiting on the token bucket.
func ObserveRateLimitDelay(site string, d time.Duration) {
	crawlerRateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(d.Seconds())
}

// IncActiveWorkers increments the active worker gauge.
func IncActiveWorkers() {
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active worker gauge.
func DecActiveWorkers() {
	crawlerActiveWorkers.Dec()
}
