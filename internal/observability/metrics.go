package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "transcription_gateway"
	subsystem = "streaming_whisper"
)

var (
	// Connection metrics
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "live_ws_connections",
		Help:      "Number of active meeting websocket connections",
	})

	totalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "live_ws_connections_total",
		Help:      "Total number of meeting websocket connections accepted",
	})

	rejectedConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rejected_connections_total",
		Help:      "Connections refused before upgrade",
	}, []string{"reason"})

	connectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "connection_duration_seconds",
		Help:      "Duration of meeting connections in seconds",
		Buckets:   []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600},
	})

	gracefulShutdown = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "live_ws_graceful_shutdown",
		Help:      "1 while the gateway is draining connections",
	})

	// Participant metrics
	activeParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "active_participants",
		Help:      "Number of participant sessions across all meetings",
	})

	// Transcription metrics
	transcriptionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "transcription_duration_seconds",
		Help:      "Time between the last audio sent upstream and the provider response",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.5, 0.75, 1.0, 1.5, 2.0, 3.0},
	})

	responsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "responses_total",
		Help:      "Transcription responses delivered to clients",
	}, []string{"type"})

	// Inbound frame metrics
	decodeFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "chunk_decode_fallbacks_total",
		Help:      "Frames that failed to decode",
	}, []string{"policy"})

	droppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "dropped_frames_total",
		Help:      "Inbound frames dropped because the connection queue was full",
	})

	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "audio_bytes_total",
		Help:      "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" (from clients) or "upstream"

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "errors_total",
		Help:      "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	// Transcript fan-out metrics
	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "transcript_publish_total",
		Help:      "Transcript events published to the broker",
	}, []string{"topic", "status"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "circuit_breaker_failures_total",
		Help:      "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single meeting connection
type Metrics struct {
	meetingID string
	startTime time.Time
}

// NewMeetingMetrics creates a new metrics tracker for a meeting connection
func NewMeetingMetrics(meetingID string) *Metrics {
	return &Metrics{
		meetingID: meetingID,
		startTime: time.Now(),
	}
}

// RecordConnectionStart records the start of a meeting connection
func (m *Metrics) RecordConnectionStart() {
	activeConnections.Inc()
	totalConnections.Inc()
}

// RecordConnectionEnd records the end of a meeting connection
func (m *Metrics) RecordConnectionEnd() {
	activeConnections.Dec()
	connectionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordParticipantAdded records a lazily created participant session
func (m *Metrics) RecordParticipantAdded() {
	activeParticipants.Inc()
}

// RecordParticipantRemoved records a closed participant session
func (m *Metrics) RecordParticipantRemoved() {
	activeParticipants.Dec()
}

// RecordTranscription records how long the provider took to answer
func (m *Metrics) RecordTranscription(latency time.Duration) {
	transcriptionDuration.Observe(latency.Seconds())
}

// RecordResponse records a response delivered to the client
func (m *Metrics) RecordResponse(responseType string) {
	responsesTotal.WithLabelValues(responseType).Inc()
}

// RecordDecodeFallback records a frame that could not be decoded
func (m *Metrics) RecordDecodeFallback(policy string) {
	decodeFallbacks.WithLabelValues(policy).Inc()
}

// RecordDroppedFrame records a frame dropped by backpressure
func (m *Metrics) RecordDroppedFrame() {
	droppedFrames.Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordRejectedConnection records a connection refused before the websocket upgrade
func RecordRejectedConnection(reason string) {
	rejectedConnections.WithLabelValues(reason).Inc()
}

// SetGracefulShutdown flags whether the gateway is draining
func SetGracefulShutdown(draining bool) {
	if draining {
		gracefulShutdown.Set(1)
		return
	}
	gracefulShutdown.Set(0)
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// RecordPublish records one transcript event handed to the broker
func RecordPublish(topic string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	publishTotal.WithLabelValues(topic, status).Inc()
}
