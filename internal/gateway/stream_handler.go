package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/stt-gateway/internal/audio"
	"github.com/lexiqai/stt-gateway/internal/observability"
	"github.com/lexiqai/stt-gateway/internal/stt"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Clients are other services, not browsers
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Client and server event names on the streaming endpoint
const (
	EventStart   = "start"
	EventStop    = "stop"
	EventStarted = "started"
	EventSegment = "segment"
	EventStopped = "stopped"
	EventError   = "error"
)

// ClientMessage is a control message from a streaming client
type ClientMessage struct {
	Event    string `json:"event"`
	Language string `json:"language,omitempty"`
}

// ServerMessage is an event sent to a streaming client
type ServerMessage struct {
	Event      string                    `json:"event"`
	Segment    *stt.TranscriptionSegment `json:"segment,omitempty"`
	Transcript string                    `json:"transcript,omitempty"`
	Message    string                    `json:"message,omitempty"`
}

// StreamingProvider is a backend able to run one live stream
type StreamingProvider interface {
	stt.Streamer
	FinishStreaming(ctx context.Context) (string, error)
}

// ProviderFactory creates a provider for one client connection
type ProviderFactory func() StreamingProvider

// StreamSession relays one client WebSocket to a streaming provider
type StreamSession struct {
	conn     *websocket.Conn
	provider StreamingProvider

	writeMu  sync.Mutex
	pumpDone chan struct{}

	correlationID string
	logger        zerolog.Logger
}

// NewStreamSession creates a session for an upgraded connection
func NewStreamSession(conn *websocket.Conn, provider StreamingProvider) *StreamSession {
	correlationID := observability.NewCorrelationID()
	return &StreamSession{
		conn:          conn,
		provider:      provider,
		correlationID: correlationID,
		logger: observability.WithCorrelationID(correlationID).
			With().
			Str("component", "gateway.stream").
			Logger(),
	}
}

// HandleTranscriptionStream is the entry point for streaming transcription clients
func HandleTranscriptionStream(newProvider ProviderFactory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client
			logger := observability.GetLogger()
			logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()

		session := NewStreamSession(conn, newProvider())
		session.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Streaming client connected")

		session.Run(r.Context())

		session.logger.Info().Msg("Streaming client disconnected")
	}
}

// Run reads client messages until the connection closes
func (s *StreamSession) Run(ctx context.Context) {
	defer s.provider.StopStreaming()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			s.handleControl(ctx, data)
		case websocket.BinaryMessage:
			s.handleAudio(data)
		}
	}
}

func (s *StreamSession) handleControl(ctx context.Context, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Error().Err(err).Msg("Failed to parse client message")
		s.sendError("invalid control message")
		return
	}

	switch msg.Event {
	case EventStart:
		s.start(ctx, msg.Language)
	case EventStop:
		s.stop(ctx)
	default:
		s.logger.Warn().Str("event", msg.Event).Msg("Unknown client event")
		s.sendError("unknown event: " + msg.Event)
	}
}

func (s *StreamSession) start(ctx context.Context, language string) {
	segments, err := s.provider.StartStreaming(ctx, language)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to start streaming")
		s.sendError(err.Error())
		return
	}

	s.logger.Info().Str("language", language).Msg("Streaming started")
	s.pumpDone = make(chan struct{})
	go s.pumpSegments(segments, s.pumpDone)
	s.send(ServerMessage{Event: EventStarted})
}

// pumpSegments relays provider segments to the client
func (s *StreamSession) pumpSegments(segments <-chan stt.TranscriptionSegment, done chan<- struct{}) {
	defer close(done)
	for segment := range segments {
		segment := segment
		s.send(ServerMessage{Event: EventSegment, Segment: &segment})
	}
}

func (s *StreamSession) stop(ctx context.Context) {
	transcript, err := s.provider.FinishStreaming(ctx)
	if err != nil {
		if errors.Is(err, stt.ErrNotConnected) {
			s.sendError("not streaming")
			return
		}
		s.logger.Error().Err(err).Msg("Failed to finish streaming")
		s.sendError(err.Error())
		return
	}

	if s.pumpDone != nil {
		<-s.pumpDone
		s.pumpDone = nil
	}

	s.logger.Info().Int("transcript_length", len(transcript)).Msg("Streaming stopped")
	s.send(ServerMessage{Event: EventStopped, Transcript: transcript})
}

func (s *StreamSession) handleAudio(data []byte) {
	samples, err := audio.DecodeFloat32LE(data)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Failed to decode audio frame")
		s.sendError("invalid audio frame")
		return
	}

	if err := s.provider.SendAudioStream(samples); err != nil {
		if errors.Is(err, stt.ErrNotConnected) {
			s.sendError("not streaming")
			return
		}
		s.logger.Error().Err(err).Msg("Failed to forward audio")
		s.sendError(err.Error())
	}
}

func (s *StreamSession) sendError(message string) {
	s.send(ServerMessage{Event: EventError, Message: message})
}

// send serializes writes from the read loop and the segment pump
func (s *StreamSession) send(msg ServerMessage) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Str("event", msg.Event).Msg("Failed to write to client")
	}
}
