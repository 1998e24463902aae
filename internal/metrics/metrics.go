// Package metrics registers the runtime's Prometheus collectors: generic
// HTTP instrumentation plus the runtime counters (voice-turn outcomes,
// sequence-discipline events, ingest backpressure). Collectors are
// registered once at package init and scraped at /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "edge_runtime"

// HTTP metrics (counter/histogram — incremented by middleware).
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})

	HTTPResponseSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_response_size_bytes",
		Help:      "HTTP response size in bytes.",
		Buckets:   prometheus.ExponentialBuckets(100, 10, 7), // 100B → 100MB
	}, []string{"method", "path_pattern"})
)

// Device runtime counters, incremented directly by internal/runtime.
var (
	VoiceTurnTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "voice_turn_total",
		Help:      "Total completed voice turns (listen_stop through tts_stop).",
	})

	VoiceTurnFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "voice_turn_failed_total",
		Help:      "Voice turns that fell back to a canned reply after an upstream failure.",
	}, []string{"stage"}) // agent, vision, tts, task_unavailable, task_dispatch

	VisionTurnTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vision_turn_total",
		Help:      "Total completed vision turns (image_ready replies).",
	})

	DuplicateEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_events_total",
		Help:      "Inbound events whose seq did not advance last_inbound_seq.",
	}, []string{"event_type"})

	OutOfOrderEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "out_of_order_events_total",
		Help:      "Inbound events that advanced last_inbound_seq across a gap.",
	})

	BargeInTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "barge_in_total",
		Help:      "listen_start events that interrupted an in-flight TTS stream.",
	})

	HeartbeatTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heartbeat_timeout_total",
		Help:      "Sessions closed by the heartbeat-timeout sweeper.",
	})

	AuthDeniedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_denied_total",
		Help:      "HELLO events rejected by device-auth verification.",
	})

	AdapterSendFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "adapter_send_failed_total",
		Help:      "Outbound envelopes dropped after a retried adapter send failure.",
	})

	StoreWriteFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_write_failed_total",
		Help:      "Durable-store writes that failed and were logged without blocking the realtime path.",
	}, []string{"op"})

	IngestEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lifelog_ingest_enqueued_total",
		Help:      "Images accepted onto the lifelog ingest queue.",
	})

	IngestRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lifelog_ingest_rejected_total",
		Help:      "Images rejected by ingest backpressure (queue_full).",
	})

	IngestDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lifelog_ingest_dropped_total",
		Help:      "Images evicted under the drop_oldest overflow policy.",
	})

	DigitalTaskTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "digital_task_total",
		Help:      "Digital tasks reaching a terminal status.",
	}, []string{"status"}) // success, failed, timeout, canceled

	ControlPlaneCacheErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_plane_cache_error_total",
		Help:      "Shared policy-cache (Redis) operations that failed and fell back to the in-process cache.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPResponseSize,
		VoiceTurnTotal,
		VoiceTurnFailedTotal,
		VisionTurnTotal,
		DuplicateEventsTotal,
		OutOfOrderEventsTotal,
		BargeInTotal,
		HeartbeatTimeoutTotal,
		AuthDeniedTotal,
		AdapterSendFailedTotal,
		StoreWriteFailedTotal,
		IngestEnqueuedTotal,
		IngestRejectedTotal,
		IngestDroppedTotal,
		DigitalTaskTotal,
		ControlPlaneCacheErrorTotal,
	)
}

// InstrumentHandler returns middleware that records HTTP request metrics.
// It uses chi's route pattern as the path label to avoid cardinality explosion.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unknown"
		}
		method := r.Method
		status := strconv.Itoa(sw.status)
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(method, pattern, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, pattern).Observe(duration)
		HTTPResponseSize.WithLabelValues(method, pattern).Observe(float64(sw.written))
	})
}

// statusWriter wraps http.ResponseWriter to capture status code and bytes written.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Unwrap supports http.ResponseController and middleware that check for
// wrapped writers (e.g. http.Flusher for SSE streaming).
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
