// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsEnqueuedTotal counts jobs enqueued by manager (evaluation|remediation).
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	// JobsProcessing is a gauge of the number of currently running jobs by manager.
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"type"},
	)
	// JobsCompletedTotal counts jobs completed by manager.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	// JobsFailedTotal counts jobs failed by manager.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"type"},
	)

	// SSEConnections is a gauge of open progress-stream client connections.
	SSEConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sse_connections",
			Help: "Number of open progress-stream client connections",
		},
		[]string{"type"},
	)
	// RateLimiterRemaining tracks the daily admission budget left.
	RateLimiterRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rate_limiter_remaining",
			Help: "Remaining daily evaluation admissions",
		},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(SSEConnections)
	prometheus.MustRegister(RateLimiterRemaining)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EnqueueJob increments the enqueued jobs counter for the given manager type.
func EnqueueJob(jobType string) { JobsEnqueuedTotal.WithLabelValues(jobType).Inc() }

// StartProcessingJob increments the processing gauge for the given manager type.
func StartProcessingJob(jobType string) { JobsProcessing.WithLabelValues(jobType).Inc() }

// CompleteJob marks a job complete: decrements processing, increments completed.
func CompleteJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
}

// FailJob marks a job failed: decrements processing, increments failed.
func FailJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType).Inc()
}

// StreamClientConnected increments the open-connection gauge for a stream type.
func StreamClientConnected(streamType string) { SSEConnections.WithLabelValues(streamType).Inc() }

// StreamClientDisconnected decrements the open-connection gauge for a stream type.
func StreamClientDisconnected(streamType string) { SSEConnections.WithLabelValues(streamType).Dec() }

// SetRateLimiterRemaining records the daily admission budget left; negative
// values (limiter disabled) are not reported.
func SetRateLimiterRemaining(remaining int) {
	if remaining >= 0 {
		RateLimiterRemaining.Set(float64(remaining))
	}
}
