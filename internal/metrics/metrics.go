// Package metrics exposes the Prometheus instrumentation for the server:
// job outcomes, stage durations, queue depth, and slot occupancy. Served on
// the admin listener.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentbatch"

// Recorder holds every collector. It implements scheduler.Gauges.
type Recorder struct {
	registry *prometheus.Registry

	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	queueDepth    prometheus.Gauge
	running       prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// NewRecorder creates and registers all collectors on a private registry.
func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Jobs by terminal outcome.",
	}, []string{"outcome"})

	r.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Wall-clock duration from admission to terminal state.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"outcome"})

	r.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Duration of individual pipeline stages.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})

	r.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Jobs waiting for an execution slot.",
	})

	r.running = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_running",
		Help:      "Jobs currently holding an execution slot.",
	})

	r.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method and status class.",
	}, []string{"method", "status"})

	r.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	r.registry.MustRegister(
		r.jobsTotal, r.jobDuration, r.stageDuration,
		r.queueDepth, r.running,
		r.httpRequests, r.httpDuration,
	)
	return r
}

// Handler returns the /metrics endpoint handler.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// JobFinished records a terminal outcome with its total duration.
func (r *Recorder) JobFinished(outcome string, d time.Duration) {
	r.jobsTotal.WithLabelValues(outcome).Inc()
	r.jobDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// StageFinished records one pipeline stage duration.
func (r *Recorder) StageFinished(stage string, d time.Duration) {
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// SetQueueDepth implements scheduler.Gauges.
func (r *Recorder) SetQueueDepth(n int) { r.queueDepth.Set(float64(n)) }

// SetRunning implements scheduler.Gauges.
func (r *Recorder) SetRunning(n int) { r.running.Set(float64(n)) }

// HTTPRequest records one handled request.
func (r *Recorder) HTTPRequest(method string, status int, d time.Duration) {
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	r.httpRequests.WithLabelValues(method, class).Inc()
	r.httpDuration.WithLabelValues(method).Observe(d.Seconds())
}
