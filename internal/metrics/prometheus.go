package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the capture service
type Metrics struct {
	// UDP ingest metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	QueueSize        prometheus.Gauge

	// Recording metrics
	ActiveSessions     prometheus.Gauge
	StateTransitions   *prometheus.CounterVec
	RecordingDuration  prometheus.Histogram
	RecordingSize      prometheus.Histogram
	EmptyRecordings    prometheus.Counter
	PermissionFailures prometheus.Counter

	// Draft metrics
	DraftSaves      *prometheus.CounterVec
	DraftFailures   *prometheus.CounterVec
	DraftBytes      prometheus.Gauge
	DraftsCollected prometheus.Counter

	// Transcode metrics
	TranscodeResults  *prometheus.CounterVec
	TranscodeDuration prometheus.Histogram

	// Backend metrics
	BackendRequests        *prometheus.CounterVec
	BackendRequestDuration *prometheus.HistogramVec
	BackendRetries         *prometheus.CounterVec

	// Query cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// UDP ingest metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_packets_received_total",
			Help: "Total number of UDP packets received",
		}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_packets_processed_total",
			Help: "Total number of UDP packets successfully processed",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_parse_errors_total",
			Help: "Total number of packet parsing errors",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capture_packet_queue_size",
			Help: "Current number of packets in processing queue",
		}),

		// Recording metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capture_active_sessions",
			Help: "Current number of recording controllers",
		}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_state_transitions_total",
			Help: "Recording state transitions",
		}, []string{"from", "to"}),
		RecordingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_recording_duration_seconds",
			Help:    "Active duration of stopped recordings",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5 hours
		}),
		RecordingSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_recording_size_bytes",
			Help:    "Size of assembled recordings in bytes",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 14), // 16KB to ~128MB
		}),
		EmptyRecordings: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_empty_recordings_total",
			Help: "Recordings stopped with no captured audio",
		}),
		PermissionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_permission_failures_total",
			Help: "Microphone acquisitions refused",
		}),

		// Draft metrics
		DraftSaves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_draft_saves_total",
			Help: "Draft saves by trigger",
		}, []string{"trigger"}),
		DraftFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_draft_failures_total",
			Help: "Failed draft saves by reason",
		}, []string{"reason"}),
		DraftBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capture_draft_bytes",
			Help: "Bytes currently held by stored drafts",
		}),
		DraftsCollected: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_drafts_collected_total",
			Help: "Drafts removed by age-based cleanup",
		}),

		// Transcode metrics
		TranscodeResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_transcode_results_total",
			Help: "Transcode attempts by result",
		}, []string{"result"}),
		TranscodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_transcode_duration_seconds",
			Help:    "Time spent transcoding recordings",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1.5 minutes
		}),

		// Backend metrics
		BackendRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_backend_requests_total",
			Help: "Backend API calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		BackendRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capture_backend_request_duration_seconds",
			Help:    "Backend API call duration including retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"operation"}),
		BackendRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_backend_retries_total",
			Help: "Backend API retries by operation",
		}, []string{"operation"}),

		// Query cache metrics
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_query_cache_hits_total",
			Help: "Query cache hits by resource",
		}, []string{"resource"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_query_cache_misses_total",
			Help: "Query cache misses by resource",
		}, []string{"resource"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capture_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	m.QueueSize.Set(float64(size))
}

// SetActiveSessions sets the current number of recording controllers
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordTransition counts a state change
func (m *Metrics) RecordTransition(from, to string) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// RecordStopped records the duration and size of a finished recording
func (m *Metrics) RecordStopped(duration time.Duration, sizeBytes int) {
	m.RecordingDuration.Observe(duration.Seconds())
	m.RecordingSize.Observe(float64(sizeBytes))
}

// RecordEmptyRecording counts a stop with no audio
func (m *Metrics) RecordEmptyRecording() {
	m.EmptyRecordings.Inc()
}

// RecordPermissionFailure counts a refused microphone
func (m *Metrics) RecordPermissionFailure() {
	m.PermissionFailures.Inc()
}

// RecordDraftSave counts a successful draft save
func (m *Metrics) RecordDraftSave(trigger string) {
	m.DraftSaves.WithLabelValues(trigger).Inc()
}

// RecordDraftFailure counts a failed draft save
func (m *Metrics) RecordDraftFailure(reason string) {
	m.DraftFailures.WithLabelValues(reason).Inc()
}

// SetDraftBytes sets the stored draft total
func (m *Metrics) SetDraftBytes(n int64) {
	m.DraftBytes.Set(float64(n))
}

// RecordDraftsCollected counts drafts removed by cleanup
func (m *Metrics) RecordDraftsCollected(n int) {
	m.DraftsCollected.Add(float64(n))
}

// RecordTranscode records a transcode attempt
func (m *Metrics) RecordTranscode(result string, duration time.Duration) {
	m.TranscodeResults.WithLabelValues(result).Inc()
	m.TranscodeDuration.Observe(duration.Seconds())
}

// RecordBackendRequest records a finished backend call
func (m *Metrics) RecordBackendRequest(operation, outcome string, duration time.Duration) {
	m.BackendRequests.WithLabelValues(operation, outcome).Inc()
	m.BackendRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBackendRetry increments the retry counter
func (m *Metrics) RecordBackendRetry(operation string) {
	m.BackendRetries.WithLabelValues(operation).Inc()
}

// RecordCacheHit counts a query served from cache
func (m *Metrics) RecordCacheHit(resource string) {
	m.CacheHits.WithLabelValues(resource).Inc()
}

// RecordCacheMiss counts a query that went to the backend
func (m *Metrics) RecordCacheMiss(resource string) {
	m.CacheMisses.WithLabelValues(resource).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
