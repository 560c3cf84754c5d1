// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// EventsTotal counts dispatched webhook events by final outcome.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "line_relay_events_total",
			Help: "Total webhook events dispatched",
		},
		[]string{"event_type", "outcome"},
	)

	// EventDuration tracks end-to-end processing time of one event.
	EventDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "line_relay_event_duration_seconds",
			Help:    "Webhook event processing duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"event_type"},
	)

	// FailuresTotal counts failed events by the stage they failed in.
	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "line_relay_failures_total",
			Help: "Total failed events by stage and error code",
		},
		[]string{"stage", "code"},
	)

	// BackendDuration tracks backend invocation duration.
	BackendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "line_relay_backend_duration_seconds",
			Help:    "Backend invocation duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"mode", "status"},
	)

	// BackendStreamChunks counts streamed chunks received from the backend.
	BackendStreamChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "line_relay_backend_stream_chunks_total",
			Help: "Total streamed chunks received from the backend",
		},
		[]string{"mode"},
	)

	// ThreadsStarted counts exchanges that began a new backend thread.
	ThreadsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "line_relay_threads_started_total",
			Help: "Total backend conversation threads started",
		},
	)

	// DuplicateEvents counts redelivered events that were skipped.
	DuplicateEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "line_relay_duplicate_events_total",
			Help: "Total redelivered webhook events skipped",
		},
	)

	// InflightEvents tracks events currently being processed.
	InflightEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "line_relay_inflight_events",
			Help: "Number of webhook events currently in flight",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// NATSPublishFailures counts conversation events that could not be published.
	NATSPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nats_publish_failures_total",
			Help: "Total conversation events that failed to publish",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordEvent records the outcome of one dispatched event.
func RecordEvent(eventType, outcome string, duration float64) {
	EventsTotal.WithLabelValues(eventType, outcome).Inc()
	EventDuration.WithLabelValues(eventType).Observe(duration)
}

// RecordFailure records a failed event.
func RecordFailure(stage, code string) {
	FailuresTotal.WithLabelValues(stage, code).Inc()
}

// RecordBackend records metrics for one backend invocation.
func RecordBackend(mode, status string, duration float64, chunks int) {
	BackendDuration.WithLabelValues(mode, status).Observe(duration)
	if chunks > 0 {
		BackendStreamChunks.WithLabelValues(mode).Add(float64(chunks))
	}
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
