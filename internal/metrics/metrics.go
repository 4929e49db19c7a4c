// Package metrics exposes Prometheus collectors for the geolink service.
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
	redirectsTotal             *prometheus.CounterVec
	cacheLookupsTotal          *prometheus.CounterVec
	clickSinkTotal             *prometheus.CounterVec
	evaluationsTotal           *prometheus.CounterVec
	workflowStepsTotal         *prometheus.CounterVec
	trackerObservers           prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times, and every Observe helper
// calls it so packages can record metrics without wiring order concerns.
func Init() {
	once.Do(func() {
		redirectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geolink_redirects_total",
				Help: "Total redirect requests, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geolink_cache_lookups_total",
				Help: "Link cache lookups, labeled by result (hit, miss, invalid, error).",
			},
			[]string{"result"},
		)

		clickSinkTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geolink_click_sink_total",
				Help: "Click deliveries to downstream sinks, labeled by sink and outcome.",
			},
			[]string{"sink", "outcome"},
		)

		evaluationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geolink_evaluations_total",
				Help: "Evaluation scheduling decisions, labeled by decision.",
			},
			[]string{"decision"},
		)

		workflowStepsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geolink_workflow_steps_total",
				Help: "Workflow step attempts, labeled by workflow, step, and outcome.",
			},
			[]string{"workflow", "step", "outcome"},
		)

		trackerObservers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "geolink_tracker_observers",
				Help: "Number of live click observers currently connected.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route, and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRedirect counts a redirect request outcome (redirected, not_found, bad_request, error).
func ObserveRedirect(outcome string) {
	Init()
	redirectsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCacheLookup counts a link cache lookup result.
func ObserveCacheLookup(result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveClickSink counts a click delivery to the named sink.
func ObserveClickSink(sink, outcome string) {
	Init()
	clickSinkTotal.WithLabelValues(sink, outcome).Inc()
}

// ObserveEvaluation counts a scheduler decision (triggered, coalesced, skipped, failed).
func ObserveEvaluation(decision string) {
	Init()
	evaluationsTotal.WithLabelValues(decision).Inc()
}

// ObserveWorkflowStep counts a single step attempt.
func ObserveWorkflowStep(workflow, step, outcome string) {
	Init()
	workflowStepsTotal.WithLabelValues(workflow, step, outcome).Inc()
}

// IncObservers increments the connected observers gauge.
func IncObservers() {
	Init()
	trackerObservers.Inc()
}

// DecObservers decrements the connected observers gauge.
func DecObservers() {
	Init()
	trackerObservers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
