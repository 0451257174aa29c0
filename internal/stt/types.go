package stt

import "context"

// ConnStatus is the lifecycle phase of a streaming session
type ConnStatus int

const (
	StatusDisconnected ConnStatus = iota // Initial and terminal
	StatusConnecting                     // Handshake in flight
	StatusConnected                      // Audio may be sent
	StatusError                          // Handshake failed, see Reason
)

func (s ConnStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// ConnectionState is a snapshot of a session's state
type ConnectionState struct {
	Status ConnStatus
	Reason string // Set only for StatusError
}

func (s ConnectionState) String() string {
	if s.Status == StatusError && s.Reason != "" {
		return "error: " + s.Reason
	}
	return s.Status.String()
}

// SpeakerSegment is a maximal run of consecutive words attributed to one speaker
type SpeakerSegment struct {
	SpeakerID int     `json:"speaker_id"`
	Text      string  `json:"text"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

// TranscriptionSegment is one parsed result from the streaming service
type TranscriptionSegment struct {
	// Text is the transcript of the first alternative
	Text string `json:"text"`

	// Confidence is the alternative's confidence (0.0 to 1.0), nil if not reported
	Confidence *float64 `json:"confidence,omitempty"`

	// IsFinal indicates a settled result (true) or an interim one (false)
	IsFinal bool `json:"is_final"`

	// StartTime and EndTime are offsets into the stream in seconds, nil if not reported
	StartTime *float64 `json:"start_time,omitempty"`
	EndTime   *float64 `json:"end_time,omitempty"`

	// Speakers holds diarized turns in word order
	Speakers []SpeakerSegment `json:"speakers,omitempty"`
}

// TranscriptResult is the aggregate returned by a single-shot transcription
type TranscriptResult struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	IsPartial  bool     `json:"is_partial"`
}

// Session is one connection to the streaming service.
// A session is used for a single connect/disconnect cycle.
type Session interface {
	// Connect performs the handshake and returns the channel segments are delivered on.
	// The channel is closed when the session ends.
	Connect(ctx context.Context) (<-chan TranscriptionSegment, error)

	// SendAudio queues normalized 16kHz mono samples
	SendAudio(samples []float32) error

	// SignalEndOfAudio asks the service to finalize while trailing results are still received
	SignalEndOfAudio() error

	// Disconnect tears the session down; safe to call more than once
	Disconnect()

	// State returns the current connection state
	State() ConnectionState
}

// SessionFactory builds a session for a configuration
type SessionFactory func(cfg SessionConfig) Session

// Provider is the call surface shared by transcription backends
type Provider interface {
	// Transcribe performs a bounded transcribe-and-wait over a complete buffer
	Transcribe(ctx context.Context, audio []float32, language string) (*TranscriptResult, error)

	// IsModelLoaded reports whether the backend can serve requests
	IsModelLoaded(ctx context.Context) bool

	// CurrentModel returns the configured model name
	CurrentModel() string

	// Name returns the provider's display name
	Name() string
}

// Streamer is implemented by providers that support live transcription
type Streamer interface {
	StartStreaming(ctx context.Context, language string) (<-chan TranscriptionSegment, error)
	SendAudioStream(samples []float32) error
	StopStreaming()
	IsStreaming() bool
}
