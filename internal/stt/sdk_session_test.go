package stt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"

	"github.com/lexiqai/stt-gateway/internal/config"
)

func TestSegmentFromSDK(t *testing.T) {
	raw := `{
		"type": "Results",
		"start": 1.0,
		"duration": 0.5,
		"is_final": true,
		"channel": {"alternatives": [{"transcript": "from the sdk", "confidence": 0.91}]}
	}`

	var msg msginterfaces.MessageResponse
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}

	segment, err := segmentFromSDK(&msg)
	if err != nil {
		t.Fatalf("segmentFromSDK() error = %v", err)
	}
	if segment == nil {
		t.Fatal("segmentFromSDK() returned nil")
	}
	if segment.Text != "from the sdk" || !segment.IsFinal {
		t.Errorf("segment = %+v", segment)
	}
	if segment.EndTime == nil || *segment.EndTime != 1.5 {
		t.Errorf("EndTime = %v, want 1.5", segment.EndTime)
	}
}

func TestSegmentFromSDK_Empty(t *testing.T) {
	segment, err := segmentFromSDK(nil)
	if err != nil || segment != nil {
		t.Errorf("segmentFromSDK(nil) = %v, %v", segment, err)
	}

	var msg msginterfaces.MessageResponse
	if err := json.Unmarshal([]byte(`{"type":"Results","channel":{"alternatives":[{"transcript":""}]}}`), &msg); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	segment, err = segmentFromSDK(&msg)
	if err != nil || segment != nil {
		t.Errorf("empty transcript = %v, %v; want nil", segment, err)
	}
}

func TestSDKSession_LiveOptions(t *testing.T) {
	cfg := DefaultSessionConfig("key")
	cfg.Model = "nova-2"
	cfg.Language = "auto-detect"
	cfg.InterimResults = false

	s := NewSDKSession(cfg, ConnectionOptions{})
	opts := s.liveOptions()

	if opts.Model != "nova-2" || opts.Encoding != "linear16" || opts.SampleRate != 16000 || opts.Channels != 1 {
		t.Errorf("unexpected options %+v", opts)
	}
	if opts.Language != "" {
		t.Errorf("Language = %q, want omitted", opts.Language)
	}
	if opts.InterimResults || !opts.Diarize || !opts.Punctuate || !opts.SmartFormat {
		t.Errorf("flags not mapped: %+v", opts)
	}
}

func TestSDKSession_NotConnected(t *testing.T) {
	s := NewSDKSession(DefaultSessionConfig("key"), ConnectionOptions{})

	if err := s.SendAudio([]float32{0.1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendAudio() error = %v, want ErrNotConnected", err)
	}
	if err := s.SignalEndOfAudio(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SignalEndOfAudio() error = %v, want ErrNotConnected", err)
	}
	s.Disconnect()
	if got := s.State().Status; got != StatusDisconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
}

// sdkServerLog records what a mock endpoint saw from an SDK client
type sdkServerLog struct {
	mu          sync.Mutex
	audioBytes  int
	closeStream bool
	host        string
	path        string
	closed      chan struct{}
}

func (l *sdkServerLog) sawCloseStream() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeStream
}

// sdkMockServer answers CloseStream with one final result after a delay, then
// closes normally. When reply is false it only records frames.
func sdkMockServer(t *testing.T, reply bool) (*httptest.Server, *sdkServerLog) {
	seen := &sdkServerLog{closed: make(chan struct{})}
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.mu.Lock()
		seen.host = r.Host
		seen.path = r.URL.Path
		seen.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		defer close(seen.closed)

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			isCloseStream := msgType == websocket.TextMessage && strings.Contains(string(data), "CloseStream")

			seen.mu.Lock()
			if msgType == websocket.BinaryMessage {
				seen.audioBytes += len(data)
			}
			if isCloseStream {
				seen.closeStream = true
			}
			seen.mu.Unlock()

			if reply && isCloseStream {
				time.Sleep(200 * time.Millisecond)
				_ = conn.WriteMessage(websocket.TextMessage, []byte(resultsFrame("trailing words", true)))
				closeNormally(conn)
				return
			}
		}
	}))
	return server, seen
}

func testSDKSession(server *httptest.Server) *SDKSession {
	return NewSDKSession(testSessionConfig(server), ConnectionOptions{
		HandshakeTimeout: 2 * time.Second,
	})
}

func TestSDKSession_EndOfAudioKeepsTrailingResults(t *testing.T) {
	server, seen := sdkMockServer(t, true)
	defer server.Close()

	s := testSDKSession(server)
	segments, err := s.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := s.State().Status; got != StatusConnected {
		t.Fatalf("State() = %v, want connected", got)
	}

	if err := s.SendAudio(make([]float32, 1600)); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	if err := s.SignalEndOfAudio(); err != nil {
		t.Fatalf("SignalEndOfAudio() error = %v", err)
	}

	got := drainUntilClosed(t, segments, 5*time.Second)
	if len(got) != 1 || got[0].Text != "trailing words" || !got[0].IsFinal {
		t.Fatalf("segments = %+v, want the trailing final result", got)
	}
	if !seen.sawCloseStream() {
		t.Error("server never received CloseStream")
	}
	if got := s.State().Status; got != StatusDisconnected {
		t.Errorf("State() after remote close = %v, want disconnected", got)
	}

	seen.mu.Lock()
	defer seen.mu.Unlock()
	if seen.audioBytes != 3200 {
		t.Errorf("server received %d audio bytes, want 3200", seen.audioBytes)
	}
	if strings.Contains(seen.host, "/") || seen.host == "" {
		t.Errorf("Host = %q, want host:port", seen.host)
	}
	if seen.path != "/v1/listen" {
		t.Errorf("path = %q, want /v1/listen", seen.path)
	}
}

func TestSDKSession_DisconnectClosesSocket(t *testing.T) {
	server, seen := sdkMockServer(t, false)
	defer server.Close()

	s := testSDKSession(server)
	segments, err := s.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	s.Disconnect()

	select {
	case <-seen.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("server socket still open after Disconnect")
	}
	drainUntilClosed(t, segments, 2*time.Second)

	if got := s.State().Status; got != StatusDisconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
	if err := s.SendAudio([]float32{0.1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendAudio() after Disconnect error = %v, want ErrNotConnected", err)
	}
	// repeated disconnects are harmless
	s.Disconnect()
}

func TestSDKSession_ConnectFailures(t *testing.T) {
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer rejecting.Close()

	badScheme := DefaultSessionConfig("test-key")
	badScheme.Endpoint = "http://localhost/v1/listen"

	tests := []struct {
		name string
		cfg  SessionConfig
	}{
		{"handshake rejected", testSessionConfig(rejecting)},
		{"invalid endpoint", badScheme},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSDKSession(tt.cfg, ConnectionOptions{HandshakeTimeout: 2 * time.Second})

			_, err := s.Connect(context.Background())
			var connectErr *ConnectError
			if !errors.As(err, &connectErr) {
				t.Fatalf("Connect() error = %v, want *ConnectError", err)
			}
			if got := s.State().Status; got != StatusError {
				t.Errorf("State() = %v, want error", got)
			}
		})
	}
}

func TestProvider_TranscribeOverSDKTransport(t *testing.T) {
	server, seen := sdkMockServer(t, true)
	defer server.Close()

	cfg := testConfig()
	cfg.STTTransport = config.TransportSDK
	cfg.DeepgramURL = testSessionConfig(server).Endpoint
	cfg.TranscribeTimeout = 3

	p := NewDeepgramProvider(cfg, nil)
	result, err := p.Transcribe(context.Background(), make([]float32, 1600), "en")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if result.IsPartial || !strings.Contains(result.Text, "trailing words") {
		t.Errorf("result = %+v, want complete transcript", result)
	}
	if !seen.sawCloseStream() {
		t.Error("server never received CloseStream")
	}
}
