// Package metrics exposes Prometheus collectors for the crawl worker.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal            *prometheus.CounterVec
	taskDurationSeconds   *prometheus.HistogramVec
	inflightTasks         prometheus.Gauge
	gatePermitsInUse      *prometheus.GaugeVec
	upstreamRequestsTotal *prometheus.CounterVec
	acksTotal             *prometheus.CounterVec
	missingCookieTotal    prometheus.Counter
	internalErrorsTotal   prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_tasks_total",
				Help: "Total tasks processed, labeled by task type and outcome.",
			},
			[]string{"task_type", "outcome"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_task_duration_seconds",
				Help:    "Histogram of end-to-end task latencies, labeled by task type.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 45},
			},
			[]string{"task_type"},
		)

		inflightTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_inflight_tasks",
				Help: "Number of tasks currently executing in this worker.",
			},
		)

		gatePermitsInUse = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_gate_permits_in_use",
				Help: "Outstanding concurrency-gate permits, labeled by gate.",
			},
			[]string{"gate"},
		)

		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_upstream_requests_total",
				Help: "Upstream HTTP requests, labeled by provider and status class.",
			},
			[]string{"provider", "status"},
		)

		acksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_acks_total",
				Help: "Broker acknowledgments, labeled by result (ack, noack, error).",
			},
			[]string{"result"},
		)

		missingCookieTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_missing_cookie_total",
				Help: "Tasks terminally failed because no cookie could be resolved.",
			},
		)

		internalErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_internal_errors_total",
				Help: "Tasks failed by unexpected internal errors.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask records the outcome and latency of one processed task.
func ObserveTask(taskType string, outcome string, duration time.Duration) {
	tasksTotal.WithLabelValues(taskType, outcome).Inc()
	taskDurationSeconds.WithLabelValues(taskType).Observe(duration.Seconds())
}

// IncInflight increments the in-flight task gauge.
func IncInflight() { inflightTasks.Inc() }

// DecInflight decrements the in-flight task gauge.
func DecInflight() { inflightTasks.Dec() }

// SetGatePermits records the outstanding permits for a gate.
func SetGatePermits(gate string, n int64) {
	gatePermitsInUse.WithLabelValues(gate).Set(float64(n))
}

// ObserveUpstreamRequest counts an upstream HTTP request.
func ObserveUpstreamRequest(provider string, status string) {
	upstreamRequestsTotal.WithLabelValues(provider, status).Inc()
}

// ObserveAck counts a broker acknowledgment outcome.
func ObserveAck(result string) {
	acksTotal.WithLabelValues(result).Inc()
}

// ObserveMissingCookie counts a missing_cookie terminal failure.
func ObserveMissingCookie() { missingCookieTotal.Inc() }

// ObserveInternalError counts an internal_error failure.
func ObserveInternalError() { internalErrorsTotal.Inc() }
