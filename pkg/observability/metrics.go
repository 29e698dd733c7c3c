// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the tabula service.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LatencyBuckets suit both model inference and script execution, ranging
// from 100ms to 120s.
var LatencyBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts all HTTP requests by method, status class, and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabula_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds by method and route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tabula_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LatencyBuckets,
		},
		[]string{"method", "route"},
	)

	// SandboxExecutionsTotal counts executions by outcome flag. One execution
	// increments every flag it carries.
	SandboxExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabula_sandbox_executions_total",
			Help: "Sandbox executions by outcome flag",
		},
		[]string{"flag"},
	)

	// SandboxDuration records script wall-clock time in seconds.
	SandboxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabula_sandbox_duration_seconds",
			Help:    "Sandbox execution duration",
			Buckets: LatencyBuckets,
		},
	)

	// SandboxInflight tracks scripts currently running.
	SandboxInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabula_sandbox_inflight",
			Help: "Sandbox executions in flight",
		},
	)

	// GeneratorRequestsTotal counts code generation requests by status.
	GeneratorRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabula_generator_requests_total",
			Help: "Code generator requests",
		},
		[]string{"status"},
	)

	// GeneratorLatency records code generation latency in seconds.
	GeneratorLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabula_generator_latency_seconds",
			Help:    "Code generator latency",
			Buckets: LatencyBuckets,
		},
	)

	// SessionsReapedTotal counts sessions deleted by the idle reaper.
	SessionsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabula_sessions_reaped_total",
			Help: "Idle sessions reaped",
		},
	)

	// ReaperFailuresTotal counts sessions the reaper failed to delete.
	ReaperFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabula_reaper_failures_total",
			Help: "Reaper deletion failures",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		SandboxExecutionsTotal,
		SandboxDuration,
		SandboxInflight,
		GeneratorRequestsTotal,
		GeneratorLatency,
		SessionsReapedTotal,
		ReaperFailuresTotal,
	)
}

// RecordExecution records one finished sandbox execution.
func RecordExecution(flags []string, d time.Duration) {
	for _, f := range flags {
		SandboxExecutionsTotal.WithLabelValues(f).Inc()
	}
	SandboxDuration.Observe(d.Seconds())
}

// RecordGeneration records one code generation call. status is "ok" or an
// error type.
func RecordGeneration(status string, d time.Duration) {
	GeneratorRequestsTotal.WithLabelValues(status).Inc()
	GeneratorLatency.Observe(d.Seconds())
}
