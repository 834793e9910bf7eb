package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts HTTP requests served by the reference backend
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tether_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveStreams tracks stream sessions currently attached
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tether_active_streams",
			Help: "Number of stream sessions currently running",
		},
	)

	// StreamDuration tracks how long stream sessions run, by outcome
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tether_stream_duration_seconds",
			Help:    "Stream session duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"outcome"},
	)

	// EventsApplied counts events folded into conversation state
	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_events_applied_total",
			Help: "Total number of stream events applied to conversation state",
		},
		[]string{"type"},
	)

	// MalformedRecords counts wire records dropped because they failed to parse
	MalformedRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tether_malformed_records_total",
			Help: "Total number of stream records dropped as malformed",
		},
	)

	// Reconnects counts stream reconnections, by reason
	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_reconnects_total",
			Help: "Total number of stream reconnections",
		},
		[]string{"reason"},
	)

	// QueuedMessages tracks outgoing messages waiting for a busy conversation
	QueuedMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tether_queued_messages",
			Help: "Number of outgoing messages waiting in per-conversation queues",
		},
	)

	// DroppedMessages counts queued messages discarded by interrupt or cancel
	DroppedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tether_dropped_messages_total",
			Help: "Total number of queued messages discarded by interrupt or cancel",
		},
	)

	// EventBufferDrops tracks events the reference backend evicted from a full buffer
	EventBufferDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tether_event_buffer_drops_total",
			Help: "Total number of events dropped due to buffer overflow",
		},
	)

	// BackendExecutions tracks executions held by the reference backend
	BackendExecutions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tether_backend_executions",
			Help: "Number of executions tracked by the reference backend",
		},
		[]string{"status"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for streaming responses
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch {
	case path == "/health", path == "/metrics", path == "/api/invoke_agent":
		return path
	case strings.HasPrefix(path, "/api/stream_progress/"):
		return "/api/stream_progress"
	case strings.HasPrefix(path, "/api/stop_stream/"):
		return "/api/stop_stream"
	case strings.HasPrefix(path, "/api/conversations/"):
		if strings.HasSuffix(path, "/executions") {
			return "/api/conversations/executions"
		}
		return "/api/conversations"
	default:
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordStreamStart increments the active stream gauge
func RecordStreamStart() {
	ActiveStreams.Inc()
}

// RecordStreamEnd decrements the active stream gauge and records duration
func RecordStreamEnd(outcome string, durationSeconds float64) {
	ActiveStreams.Dec()
	StreamDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordEventApplied records one event folded into conversation state
func RecordEventApplied(eventType string) {
	EventsApplied.WithLabelValues(eventType).Inc()
}

// RecordMalformedRecord records a dropped wire record
func RecordMalformedRecord() {
	MalformedRecords.Inc()
}

// RecordReconnect records a stream reconnection
func RecordReconnect(reason string) {
	Reconnects.WithLabelValues(reason).Inc()
}

// SetQueuedMessages sets the number of queued outgoing messages
func SetQueuedMessages(count float64) {
	QueuedMessages.Set(count)
}

// RecordDroppedMessages records queued messages discarded by interrupt or cancel
func RecordDroppedMessages(count int) {
	DroppedMessages.Add(float64(count))
}

// RecordEventDrop records an event buffer drop
func RecordEventDrop() {
	EventBufferDrops.Inc()
}

// SetBackendExecutions sets the execution count for a status
func SetBackendExecutions(status string, count float64) {
	BackendExecutions.WithLabelValues(status).Set(count)
}
