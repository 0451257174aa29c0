package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stt_gateway_active_sessions",
		Help: "Number of open transcription sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stt_gateway_sessions_total",
		Help: "Total number of transcription sessions opened",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stt_gateway_session_duration_seconds",
		Help:    "Lifetime of transcription sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 3600},
	})

	// Handshake metrics
	connectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_gateway_connect_attempts_total",
		Help: "WebSocket handshakes with the STT service",
	}, []string{"transport", "status"})

	// Stream metrics
	segmentsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_gateway_segments_total",
		Help: "Transcript segments received from the STT service",
	}, []string{"kind"}) // kind: "interim" or "final"

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_gateway_frames_dropped_total",
		Help: "Inbound frames dropped without producing a segment",
	}, []string{"reason"})

	audioBytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stt_gateway_audio_bytes_sent_total",
		Help: "Total linear16 audio bytes queued for the STT service",
	})

	// Single-shot metrics
	transcribeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_gateway_transcribe_requests_total",
		Help: "Total number of single-shot transcription requests",
	}, []string{"outcome"}) // outcome: success, partial, too_short, error

	transcribeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stt_gateway_transcribe_latency_seconds",
		Help:    "Single-shot transcription latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 15.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stt_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// Metrics tracks metrics for a single transcription session
type Metrics struct {
	sessionID string
	transport string
	startTime time.Time
	mu        sync.Mutex
	open      bool
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID, transport string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		transport: transport,
	}
}

// RecordConnect records the outcome of a handshake and opens the session on success
func (m *Metrics) RecordConnect(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	connectAttempts.WithLabelValues(m.transport, status).Inc()

	if !success {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		return
	}
	m.open = true
	m.startTime = time.Now()
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd closes the session; repeated calls are no-ops
func (m *Metrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return
	}
	m.open = false
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordSegment records a segment emitted to the caller
func (m *Metrics) RecordSegment(final bool) {
	kind := "interim"
	if final {
		kind = "final"
	}
	segmentsReceived.WithLabelValues(kind).Inc()
}

// RecordDroppedFrame records an inbound frame that produced no segment
func (m *Metrics) RecordDroppedFrame(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}

// RecordAudioBytes records encoded audio bytes queued for sending
func (m *Metrics) RecordAudioBytes(bytes int) {
	audioBytesSent.Add(float64(bytes))
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordTranscribe records a finished single-shot request
func RecordTranscribe(outcome string, started time.Time) {
	transcribeRequests.WithLabelValues(outcome).Inc()
	transcribeLatency.Observe(time.Since(started).Seconds())
}
