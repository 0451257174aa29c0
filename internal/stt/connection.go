package stt

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/stt-gateway/internal/audio"
	"github.com/lexiqai/stt-gateway/internal/config"
	"github.com/lexiqai/stt-gateway/internal/observability"
)

const (
	defaultQueueSize        = 100
	defaultResultBufferSize = 100
	defaultHandshakeTimeout = 10 * time.Second
	defaultCloseGrace       = 5 * time.Second
	writeWait               = 10 * time.Second
)

// ConnectionOptions tunes buffering and timeouts; zero values use defaults
type ConnectionOptions struct {
	QueueSize        int           // Outbound messages buffered before SendAudio blocks
	ResultBufferSize int           // Segments buffered before the reader blocks
	HandshakeTimeout time.Duration // Upper bound for the WebSocket upgrade
	CloseGrace       time.Duration // How long to wait for the peer's close frame after ours
}

// ConnectionOptionsFromConfig maps service config onto connection options
func ConnectionOptionsFromConfig(cfg *config.Config) ConnectionOptions {
	return ConnectionOptions{
		QueueSize:        cfg.AudioQueueSize,
		ResultBufferSize: cfg.ResultBufferSize,
		HandshakeTimeout: cfg.HandshakeTimeoutDuration(),
	}
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.ResultBufferSize <= 0 {
		o.ResultBufferSize = defaultResultBufferSize
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = defaultCloseGrace
	}
	return o
}

type outboundKind int

const (
	outboundAudio outboundKind = iota
	outboundCloseStream
)

// outboundMessage is an item on the outbound FIFO
type outboundMessage struct {
	kind outboundKind
	data []byte
}

// sender is the outbound handle of a connected session.
// Closing quit tells the writer to drain the queue and close the socket.
type sender struct {
	queue    chan outboundMessage
	quit     chan struct{}
	quitOnce sync.Once
}

func newSender(size int) *sender {
	return &sender{
		queue: make(chan outboundMessage, size),
		quit:  make(chan struct{}),
	}
}

func (s *sender) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *sender) enqueue(msg outboundMessage) error {
	select {
	case <-s.quit:
		return ErrNotConnected
	default:
	}

	select {
	case s.queue <- msg:
		return nil
	case <-s.quit:
		return ErrNotConnected
	}
}

// Connection manages one WebSocket session with the streaming service.
// It owns the connection state and the outbound handle; a writer and a
// reader goroutine run for the lifetime of each connected session.
type Connection struct {
	config  SessionConfig
	opts    ConnectionOptions
	dialer  *websocket.Dialer
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	state  ConnectionState
	sender *sender
}

// NewConnection creates a disconnected session for cfg
func NewConnection(cfg SessionConfig, opts ConnectionOptions) *Connection {
	opts = opts.withDefaults()
	sessionID := observability.NewCorrelationID()

	return &Connection{
		config: cfg,
		opts:   opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		logger: observability.ComponentLogger("stt.connection").With().
			Str("session_id", sessionID).
			Str("model", cfg.Model).
			Logger(),
		metrics: observability.NewSessionMetrics(sessionID, config.TransportWebSocket),
		state:   ConnectionState{Status: StatusDisconnected},
	}
}

// NewConnectionFactory returns a SessionFactory producing native WebSocket sessions
func NewConnectionFactory(opts ConnectionOptions) SessionFactory {
	return func(cfg SessionConfig) Session {
		return NewConnection(cfg, opts)
	}
}

// State returns the current connection state
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the session is connected
func (c *Connection) IsConnected() bool {
	return c.State().Status == StatusConnected
}

// Connect performs the handshake once and starts the writer and reader goroutines
func (c *Connection) Connect(ctx context.Context) (<-chan TranscriptionSegment, error) {
	c.mu.Lock()
	if c.state.Status == StatusConnected || c.state.Status == StatusConnecting {
		c.mu.Unlock()
		return nil, ErrAlreadyStreaming
	}
	c.state = ConnectionState{Status: StatusConnecting}
	c.mu.Unlock()

	wsURL, err := c.config.BuildURL()
	if err != nil {
		return nil, c.fail("invalid endpoint", err)
	}
	headers, err := c.config.HandshakeHeaders()
	if err != nil {
		return nil, c.fail("invalid endpoint", err)
	}

	c.logger.Info().Str("url", wsURL).Msg("Connecting to Deepgram")

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		reason := "handshake failed"
		if resp != nil {
			reason = fmt.Sprintf("handshake failed with status %d", resp.StatusCode)
		}
		return nil, c.fail(reason, err)
	}

	s := newSender(c.opts.QueueSize)
	results := make(chan TranscriptionSegment, c.opts.ResultBufferSize)

	c.mu.Lock()
	if c.state.Status != StatusConnecting {
		// Disconnect raced the handshake
		c.mu.Unlock()
		conn.Close()
		c.metrics.RecordConnect(false)
		return nil, &ConnectError{Reason: "disconnected during handshake"}
	}
	c.sender = s
	c.state = ConnectionState{Status: StatusConnected}
	c.mu.Unlock()

	c.metrics.RecordConnect(true)

	go c.writeLoop(conn, s)
	go c.readLoop(conn, s, results)

	c.logger.Info().Msg("Connected to Deepgram")
	return results, nil
}

// fail moves the state to Error and builds the ConnectError
func (c *Connection) fail(reason string, err error) error {
	c.mu.Lock()
	c.state = ConnectionState{Status: StatusError, Reason: reason}
	c.mu.Unlock()

	c.metrics.RecordConnect(false)
	c.metrics.RecordError("connect", "stt")
	c.logger.Error().Err(err).Str("reason", reason).Msg("Deepgram connection failed")
	return &ConnectError{Reason: reason, Err: err}
}

func (c *Connection) currentSender() *sender {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sender
}

// SendAudio encodes samples as linear16 and queues them for sending
func (c *Connection) SendAudio(samples []float32) error {
	s := c.currentSender()
	if s == nil {
		return ErrNotConnected
	}

	data := audio.EncodeLinear16(samples)
	if err := s.enqueue(outboundMessage{kind: outboundAudio, data: data}); err != nil {
		return err
	}
	c.metrics.RecordAudioBytes(len(data))
	return nil
}

// SignalEndOfAudio queues the CloseStream control message.
// The socket stays open so trailing results are still delivered.
func (c *Connection) SignalEndOfAudio() error {
	s := c.currentSender()
	if s == nil {
		return ErrNotConnected
	}

	if err := s.enqueue(outboundMessage{kind: outboundCloseStream}); err != nil {
		return err
	}
	c.logger.Debug().Msg("Signaled end of audio stream")
	return nil
}

// Disconnect clears the outbound handle and forces the Disconnected state.
// The writer drains anything already queued, then sends a close frame.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	s := c.sender
	c.sender = nil
	c.state = ConnectionState{Status: StatusDisconnected}
	c.mu.Unlock()

	if s != nil {
		s.stop()
		c.logger.Info().Msg("Disconnected from Deepgram")
	}
}

// writeLoop is the single consumer of the outbound queue
func (c *Connection) writeLoop(conn *websocket.Conn, s *sender) {
	for {
		select {
		case msg := <-s.queue:
			if err := c.write(conn, msg); err != nil {
				c.logger.Error().Err(err).Msg("Failed to send to Deepgram")
				conn.Close()
				return
			}

		case <-s.quit:
		drain:
			for {
				select {
				case msg := <-s.queue:
					if err := c.write(conn, msg); err != nil {
						c.logger.Warn().Err(err).Msg("Failed to flush queued message")
						conn.Close()
						return
					}
				default:
					break drain
				}
			}

			c.logger.Debug().Msg("Audio queue closed, sending WebSocket close frame")
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug().Err(err).Msg("Close frame not delivered")
			}
			// The reader must not wait forever for the peer to echo the close
			_ = conn.SetReadDeadline(time.Now().Add(c.opts.CloseGrace))
			return
		}
	}
}

func (c *Connection) write(conn *websocket.Conn, msg outboundMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}

	switch msg.kind {
	case outboundCloseStream:
		c.logger.Debug().Msg("Sending CloseStream message to Deepgram")
		return conn.WriteMessage(websocket.TextMessage, closeStreamMessage)
	default:
		return conn.WriteMessage(websocket.BinaryMessage, msg.data)
	}
}

// readLoop parses inbound frames until the socket closes or fails, then
// clears the session state so a silent disconnect is still observed.
func (c *Connection) readLoop(conn *websocket.Conn, s *sender, results chan<- TranscriptionSegment) {
	defer func() {
		c.mu.Lock()
		if c.sender == s {
			c.sender = nil
			c.state = ConnectionState{Status: StatusDisconnected}
		}
		c.mu.Unlock()

		s.stop()
		conn.Close()
		close(results)
		c.metrics.RecordSessionEnd()
		c.logger.Debug().Msg("Transcript receiver finished")
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.logger.Info().Msg("Deepgram connection closed")
			case isStopped(s):
				c.logger.Debug().Err(err).Msg("Read ended after disconnect")
			default:
				c.logger.Error().Err(err).Msg("WebSocket read error")
				c.metrics.RecordError("read", "stt")
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			c.handleFrame(data, s, results)
		case websocket.BinaryMessage:
			c.logger.Debug().Int("bytes", len(data)).Msg("Ignoring unexpected binary message")
			c.metrics.RecordDroppedFrame("binary")
		}
	}
}

func isStopped(s *sender) bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (c *Connection) handleFrame(data []byte, s *sender, results chan<- TranscriptionSegment) {
	resp, err := decodeResponse(data)
	if err != nil {
		c.logger.Debug().Err(err).Str("raw", truncate(string(data), 200)).Msg("Failed to parse Deepgram response")
		c.metrics.RecordDroppedFrame("malformed")
		return
	}

	logResponse(c.logger, resp)

	segment := segmentFromResponse(resp)
	if segment == nil {
		if resp.Type == messageResults {
			c.metrics.RecordDroppedFrame("empty")
		}
		return
	}

	c.logger.Debug().
		Bool("is_final", segment.IsFinal).
		Str("text", truncate(segment.Text, 50)).
		Int("speakers", len(segment.Speakers)).
		Msg("Parsed segment")

	select {
	case results <- *segment:
		c.metrics.RecordSegment(segment.IsFinal)
	case <-s.quit:
		c.metrics.RecordDroppedFrame("disconnected")
	}
}

// logResponse reports the non-transcript message types
func logResponse(logger zerolog.Logger, resp *rawResponse) {
	switch resp.Type {
	case messageResults:
	case messageMetadata:
		event := logger.Debug()
		if resp.Metadata != nil {
			event = event.Str("request_id", resp.Metadata.RequestID)
			if resp.Metadata.ModelInfo != nil {
				event = event.Str("model_name", resp.Metadata.ModelInfo.Name)
			}
		} else if resp.RequestID != "" {
			event = event.Str("request_id", resp.RequestID)
		}
		event.Msg("Deepgram session metadata")
	case messageSpeechStarted:
		logger.Debug().Msg("Deepgram: speech started")
	case messageUtteranceEnd:
		logger.Debug().Msg("Deepgram: utterance ended")
	case messageError:
		logger.Warn().Str("description", resp.Description).Str("message", resp.Message).Msg("Deepgram reported an error")
	default:
		logger.Debug().Str("type", resp.Type).Msg("Deepgram: unknown message type")
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
