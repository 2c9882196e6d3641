package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request counters
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crosspost",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crosspost",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// Task transitions by destination and target state
	TaskTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crosspost",
			Subsystem: "publish",
			Name:      "task_transitions_total",
			Help:      "Total publish task state transitions",
		},
		[]string{"destination", "from", "to"},
	)

	TaskFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crosspost",
			Subsystem: "publish",
			Name:      "task_failures_total",
			Help:      "Terminal task failures by error kind",
		},
		[]string{"destination", "kind"},
	)

	AdapterCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crosspost",
			Subsystem: "publish",
			Name:      "adapter_call_duration_seconds",
			Help:      "Destination adapter call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"destination", "operation", "status"},
	)

	// Chunked transfer parts
	TransferPartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crosspost",
			Subsystem: "transfer",
			Name:      "parts_total",
			Help:      "Total uploaded parts",
		},
		[]string{"backend", "status"},
	)

	TransferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crosspost",
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Total bytes acknowledged by upload backends",
		},
		[]string{"backend"},
	)

	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crosspost",
			Subsystem: "oauth",
			Name:      "refreshes_total",
			Help:      "Token refresh attempts",
		},
		[]string{"destination", "status"},
	)

	StatusPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crosspost",
			Subsystem: "status",
			Name:      "polls_total",
			Help:      "Status queries and callback resolutions",
		},
		[]string{"destination", "source", "outcome"},
	)

	WorkerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crosspost",
			Subsystem: "publish",
			Name:      "queue_depth",
			Help:      "Tasks dispatched and not yet picked by a worker",
		},
	)
)

// RecordRequest records an HTTP request
func RecordRequest(method, endpoint, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	RequestDuration.WithLabelValues(method, endpoint).Observe(durationSec)
}

// RecordTransition records a task state change
func RecordTransition(destination, from, to string) {
	TaskTransitionsTotal.WithLabelValues(destination, from, to).Inc()
}

// RecordFailure records a terminal task failure
func RecordFailure(destination, kind string) {
	TaskFailuresTotal.WithLabelValues(destination, kind).Inc()
}

// RecordAdapterCall records one external destination call
func RecordAdapterCall(destination, operation, status string, durationSec float64) {
	AdapterCallDuration.WithLabelValues(destination, operation, status).Observe(durationSec)
}

// RecordPart records an uploaded part
func RecordPart(backend, status string, bytes int64) {
	TransferPartsTotal.WithLabelValues(backend, status).Inc()
	if status == "success" {
		TransferBytesTotal.WithLabelValues(backend).Add(float64(bytes))
	}
}

// RecordRefresh records a token refresh attempt
func RecordRefresh(destination, status string) {
	TokenRefreshesTotal.WithLabelValues(destination, status).Inc()
}

// RecordStatus records a status poll or callback
func RecordStatus(destination, source, outcome string) {
	StatusPollsTotal.WithLabelValues(destination, source, outcome).Inc()
}
