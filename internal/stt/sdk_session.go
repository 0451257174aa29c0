package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/stt-gateway/internal/audio"
	"github.com/lexiqai/stt-gateway/internal/config"
	"github.com/lexiqai/stt-gateway/internal/observability"
)

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides Message, Error and Close.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse)
	closeHandler func()
}

// Message forwards transcription results to the session
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error reports service-side errors to the session
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.errorHandler(errorResponse)
	return nil
}

// Close runs when the SDK tears the socket down, locally or remotely
func (m *messageCallbackHandler) Close(*msginterfaces.CloseResponse) error {
	m.closeHandler()
	return nil
}

// SDKSession runs a streaming session through the Deepgram Go SDK callback client.
// It produces the same segments as Connection so either can back a provider.
type SDKSession struct {
	config  SessionConfig
	opts    ConnectionOptions
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	state    ConnectionState
	client   *listenClient.WSCallback
	cancel   context.CancelFunc
	results  chan TranscriptionSegment
	done     chan struct{}
	doneOnce *sync.Once
	closed   bool
}

// NewSDKSession creates a disconnected SDK-backed session
func NewSDKSession(cfg SessionConfig, opts ConnectionOptions) *SDKSession {
	sessionID := observability.NewCorrelationID()
	return &SDKSession{
		config: cfg,
		opts:   opts.withDefaults(),
		logger: observability.ComponentLogger("stt.sdk").With().
			Str("session_id", sessionID).
			Str("model", cfg.Model).
			Logger(),
		metrics: observability.NewSessionMetrics(sessionID, config.TransportSDK),
		state:   ConnectionState{Status: StatusDisconnected},
	}
}

// NewSDKSessionFactory returns a SessionFactory producing SDK-backed sessions
func NewSDKSessionFactory(opts ConnectionOptions) SessionFactory {
	return func(cfg SessionConfig) Session {
		return NewSDKSession(cfg, opts)
	}
}

// liveOptions maps the session config onto the SDK's transcription options
func (s *SDKSession) liveOptions() *interfaces.LiveTranscriptionOptions {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.config.Model,
		Punctuate:      s.config.Punctuate,
		InterimResults: s.config.InterimResults,
		Encoding:       s.config.Encoding,
		Channels:       s.config.Channels,
		SampleRate:     s.config.SampleRate,
		Diarize:        s.config.Diarize,
		SmartFormat:    s.config.SmartFormat,
	}
	if IsValidLanguageCode(s.config.Language) {
		tOptions.Language = s.config.Language
	}
	return tOptions
}

// clientOptions points the SDK at the configured endpoint. The SDK copies
// Host verbatim into the Host header, so the header is reset to host:port.
// The SDK always requests /v1/listen on that host.
func (s *SDKSession) clientOptions() (*interfaces.ClientOptions, error) {
	endpoint := s.config.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q: want ws:// or wss:// URL", endpoint)
	}

	host := u.Host
	return &interfaces.ClientOptions{
		Host:  u.Scheme + "://" + host,
		Proxy: http.ProxyFromEnvironment,
		WSHeaderProcessor: func(h http.Header) {
			h.Set("Host", host)
		},
	}, nil
}

// Connect creates the SDK client and opens its WebSocket with a single attempt
func (s *SDKSession) Connect(ctx context.Context) (<-chan TranscriptionSegment, error) {
	s.mu.Lock()
	if s.state.Status == StatusConnected || s.state.Status == StatusConnecting {
		s.mu.Unlock()
		return nil, ErrAlreadyStreaming
	}
	s.state = ConnectionState{Status: StatusConnecting}
	s.mu.Unlock()

	cOptions, err := s.clientOptions()
	if err != nil {
		return nil, s.fail("invalid endpoint", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	results := make(chan TranscriptionSegment, s.opts.ResultBufferSize)
	done := make(chan struct{})

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler: func(msg *msginterfaces.MessageResponse) {
			s.handleMessage(msg, results, done)
		},
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) {
			s.logger.Warn().Interface("error", errorResponse).Msg("Deepgram error")
			s.metrics.RecordError("deepgram", "stt")
		},
		closeHandler: func() {
			s.handleClose(results)
		},
	}

	client, err := listenClient.NewWSUsingCallbackWithCancel(
		sessionCtx,
		cancel,
		s.config.APIKey,
		cOptions,
		s.liveOptions(),
		callback,
	)
	if err != nil || client == nil || client.WSClient == nil {
		cancel()
		if err == nil {
			err = errors.New("client options rejected")
		}
		return nil, s.fail("failed to create Deepgram client", err)
	}

	// The SDK dialer has its own fixed timeout; cancel the session context to enforce ours
	handshake := time.AfterFunc(s.opts.HandshakeTimeout, cancel)
	if !client.ConnectWithCancel(sessionCtx, cancel, 1) {
		handshake.Stop()
		cancel()
		return nil, s.fail("handshake failed", sessionCtx.Err())
	}
	if !handshake.Stop() {
		client.Stop()
		return nil, s.fail("handshake timed out", sessionCtx.Err())
	}

	s.mu.Lock()
	if s.state.Status != StatusConnecting {
		s.mu.Unlock()
		client.Stop()
		cancel()
		s.metrics.RecordConnect(false)
		return nil, &ConnectError{Reason: "disconnected during handshake"}
	}
	s.client = client
	s.cancel = cancel
	s.results = results
	s.done = done
	s.doneOnce = &sync.Once{}
	s.closed = false
	s.state = ConnectionState{Status: StatusConnected}
	s.mu.Unlock()

	s.metrics.RecordConnect(true)
	s.logger.Info().Msg("Deepgram SDK session started")
	return results, nil
}

func (s *SDKSession) fail(reason string, err error) error {
	s.mu.Lock()
	s.state = ConnectionState{Status: StatusError, Reason: reason}
	s.mu.Unlock()

	s.metrics.RecordConnect(false)
	s.metrics.RecordError("connect", "stt")
	s.logger.Error().Err(err).Str("reason", reason).Msg("Deepgram SDK connection failed")
	return &ConnectError{Reason: reason, Err: err}
}

// handleMessage normalizes an SDK message through the wire parser
func (s *SDKSession) handleMessage(msg *msginterfaces.MessageResponse, results chan<- TranscriptionSegment, done <-chan struct{}) {
	segment, err := segmentFromSDK(msg)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Failed to convert SDK message")
		s.metrics.RecordDroppedFrame("malformed")
		return
	}
	if segment == nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.metrics.RecordDroppedFrame("disconnected")
		return
	}

	select {
	case results <- *segment:
		s.metrics.RecordSegment(segment.IsFinal)
	case <-done:
		s.metrics.RecordDroppedFrame("disconnected")
	}
}

// segmentFromSDK re-encodes the SDK's typed message and parses it like a wire frame
func segmentFromSDK(msg *msginterfaces.MessageResponse) (*TranscriptionSegment, error) {
	if msg == nil {
		return nil, nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode sdk message: %w", err)
	}
	return ParseResponse(data)
}

// SendAudio encodes samples as linear16 and writes them to the SDK client
func (s *SDKSession) SendAudio(samples []float32) error {
	s.mu.RLock()
	client := s.client
	active := s.state.Status == StatusConnected
	s.mu.RUnlock()

	if !active || client == nil {
		return ErrNotConnected
	}

	data := audio.EncodeLinear16(samples)
	if _, err := client.Write(data); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	s.metrics.RecordAudioBytes(len(data))
	return nil
}

// SignalEndOfAudio asks Deepgram to flush and close the stream. The result
// channel stays open until the server closes the socket.
func (s *SDKSession) SignalEndOfAudio() error {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	if client == nil {
		return ErrNotConnected
	}

	if err := client.WriteJSON(json.RawMessage(closeStreamMessage)); err != nil {
		return fmt.Errorf("failed to send CloseStream: %w", err)
	}
	s.logger.Debug().Msg("Signaled end of audio stream")
	return nil
}

// Disconnect stops the SDK client, closing its socket, and forces the
// Disconnected state
func (s *SDKSession) Disconnect() {
	// A handler blocked on a full result channel holds the read lock
	s.releaseHandlers()

	s.mu.Lock()
	client := s.client
	results := s.results
	cancel := s.cancel
	s.client = nil
	s.state = ConnectionState{Status: StatusDisconnected}
	s.mu.Unlock()

	if client != nil {
		client.Stop()
	}
	if results != nil {
		s.closeResults(results)
	}
	if cancel != nil {
		cancel()
	}
}

// handleClose runs on the SDK's Close callback
func (s *SDKSession) handleClose(results chan TranscriptionSegment) {
	s.mu.Lock()
	if s.results == results {
		s.client = nil
		s.state = ConnectionState{Status: StatusDisconnected}
	}
	s.mu.Unlock()

	s.closeResults(results)
}

func (s *SDKSession) releaseHandlers() {
	s.mu.RLock()
	done, once := s.done, s.doneOnce
	s.mu.RUnlock()

	if once != nil {
		once.Do(func() { close(done) })
	}
}

// closeResults closes the current result channel exactly once
func (s *SDKSession) closeResults(results chan TranscriptionSegment) {
	s.mu.Lock()
	if s.results != results || s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(results)
	s.mu.Unlock()

	s.metrics.RecordSessionEnd()
	s.logger.Info().Msg("Deepgram SDK session stopped")
}

// State returns the current connection state
func (s *SDKSession) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
