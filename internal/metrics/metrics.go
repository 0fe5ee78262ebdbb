// Package metrics exposes Prometheus collectors for the search service.
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
	searchAttemptsTotal        *prometheus.CounterVec
	searchMatchesTotal         prometheus.Counter
	searchRetriesTotal         prometheus.Counter
	searchPausesTotal          *prometheus.CounterVec
	checkpointWritesTotal      *prometheus.CounterVec
	searchJobsTotal            *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	attemptDurationSeconds     prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		searchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "curpsearch_attempts_total",
				Help: "Total combination attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		searchMatchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "curpsearch_matches_total",
				Help: "Total confirmed CURP matches.",
			},
		)

		searchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "curpsearch_retries_total",
				Help: "Total per-combination retries after recoverable failures.",
			},
		)

		searchPausesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "curpsearch_pauses_total",
				Help: "Pool pauses, labeled by reason (scheduled, captcha, operator).",
			},
			[]string{"reason"},
		)

		checkpointWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "curpsearch_checkpoint_writes_total",
				Help: "Checkpoint save attempts, labeled by result.",
			},
			[]string{"result"},
		)

		searchJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "curpsearch_jobs_total",
				Help: "Total jobs processed, labeled by final status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "curpsearch_active_workers",
				Help: "Number of workers currently executing a combination.",
			},
		)

		attemptDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "curpsearch_attempt_duration_seconds",
				Help:    "Histogram of single-combination attempt latencies.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
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
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAttempt records one combination attempt and its wall time.
func ObserveAttempt(outcome string, duration time.Duration) {
	searchAttemptsTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		attemptDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveMatch increments the confirmed match counter.
func ObserveMatch() {
	searchMatchesTotal.Inc()
}

// ObserveRetry increments the retry counter.
func ObserveRetry() {
	searchRetriesTotal.Inc()
}

// ObservePause records a pool pause for the given reason.
func ObservePause(reason string) {
	searchPausesTotal.WithLabelValues(reason).Inc()
}

// ObserveCheckpointWrite records a checkpoint save attempt.
func ObserveCheckpointWrite(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	checkpointWritesTotal.WithLabelValues(result).Inc()
}

// ObserveJob increments the job counter for the given final status.
func ObserveJob(status string) {
	searchJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
