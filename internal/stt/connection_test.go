package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// mockDeepgramServer creates a mock WebSocket endpoint for testing
func mockDeepgramServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the SDK client sends a lowercase scheme
		if auth := r.Header.Get("Authorization"); !strings.HasPrefix(strings.ToLower(auth), "token ") {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		handler(conn)
	}))
}

func testSessionConfig(server *httptest.Server) SessionConfig {
	cfg := DefaultSessionConfig("test-key")
	cfg.Endpoint = "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/listen"
	return cfg
}

func testConnection(server *httptest.Server) *Connection {
	return NewConnection(testSessionConfig(server), ConnectionOptions{
		HandshakeTimeout: 2 * time.Second,
		CloseGrace:       500 * time.Millisecond,
	})
}

func resultsFrame(text string, final bool) string {
	return fmt.Sprintf(`{"type":"Results","is_final":%t,"start":0,"duration":1,"channel":{"alternatives":[{"transcript":%q,"confidence":0.9}]}}`, final, text)
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// drainUntilClosed collects segments until the channel closes or the deadline passes
func drainUntilClosed(t *testing.T, segments <-chan TranscriptionSegment, timeout time.Duration) []TranscriptionSegment {
	t.Helper()
	var got []TranscriptionSegment
	deadline := time.After(timeout)
	for {
		select {
		case segment, ok := <-segments:
			if !ok {
				return got
			}
			got = append(got, segment)
		case <-deadline:
			t.Fatalf("segment channel not closed within %v", timeout)
			return got
		}
	}
}

type receivedFrame struct {
	msgType int
	data    []byte
}

func TestConnection_AudioPrecedesCloseStream(t *testing.T) {
	var mu sync.Mutex
	var frames []receivedFrame

	server := mockDeepgramServer(t, func(conn *websocket.Conn) {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			frames = append(frames, receivedFrame{msgType: msgType, data: data})
			mu.Unlock()

			if msgType == websocket.TextMessage {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(resultsFrame("hello there", true)))
				closeNormally(conn)
			}
		}
	})
	defer server.Close()

	c := testConnection(server)
	segments, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := c.State().Status; got != StatusConnected {
		t.Fatalf("State() = %v, want connected", got)
	}

	if err := c.SendAudio(make([]float32, 1600)); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	if err := c.SendAudio([]float32{0.5, -1}); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	if err := c.SignalEndOfAudio(); err != nil {
		t.Fatalf("SignalEndOfAudio() error = %v", err)
	}

	got := drainUntilClosed(t, segments, 5*time.Second)
	if len(got) != 1 || got[0].Text != "hello there" || !got[0].IsFinal {
		t.Fatalf("segments = %+v, want one final 'hello there'", got)
	}

	if status := c.State().Status; status != StatusDisconnected {
		t.Errorf("State() after remote close = %v, want disconnected", status)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(frames) != 3 {
		t.Fatalf("server received %d frames, want 3", len(frames))
	}
	if frames[0].msgType != websocket.BinaryMessage || len(frames[0].data) != 3200 {
		t.Errorf("frame 0 = type %d, %d bytes; want binary 3200 bytes", frames[0].msgType, len(frames[0].data))
	}
	if frames[1].msgType != websocket.BinaryMessage || string(frames[1].data) != string([]byte{0xFF, 0x3F, 0x01, 0x80}) {
		t.Errorf("frame 1 = %v, want linear16 of [0.5 -1]", frames[1].data)
	}
	if frames[2].msgType != websocket.TextMessage || string(frames[2].data) != `{"type": "CloseStream"}` {
		t.Errorf("frame 2 = %q, want CloseStream", frames[2].data)
	}
}

func TestConnection_HandshakeParameters(t *testing.T) {
	requests := make(chan *http.Request, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := testSessionConfig(server)
	cfg.Model = "nova-2-meeting"
	cfg.Language = "auto-translate"
	cfg.InterimResults = false

	c := NewConnection(cfg, ConnectionOptions{CloseGrace: 200 * time.Millisecond})
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	r := <-requests
	if got := r.Header.Get("Authorization"); got != "Token test-key" {
		t.Errorf("Authorization = %q, want %q", got, "Token test-key")
	}
	q := r.URL.Query()
	if q.Get("model") != "nova-2-meeting" {
		t.Errorf("model = %q", q.Get("model"))
	}
	if q.Has("language") {
		t.Errorf("language should be omitted, got %q", q.Get("language"))
	}
	if q.Has("interim_results") {
		t.Error("interim_results should be omitted when disabled")
	}
	if q.Get("diarize") != "true" || q.Get("encoding") != "linear16" || q.Get("sample_rate") != "16000" {
		t.Errorf("unexpected query %v", q)
	}
}

func TestConnection_ConnectTwice(t *testing.T) {
	audioBytes := make(chan int, 1)
	server := mockDeepgramServer(t, func(conn *websocket.Conn) {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				audioBytes <- len(data)
			}
		}
	})
	defer server.Close()

	c := testConnection(server)
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	if _, err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyStreaming) {
		t.Errorf("second Connect() error = %v, want ErrAlreadyStreaming", err)
	}

	// the rejected attempt leaves the live session untouched
	if got := c.State().Status; got != StatusConnected {
		t.Errorf("State() after rejected Connect = %v, want connected", got)
	}
	if err := c.SendAudio([]float32{0.25, -0.25}); err != nil {
		t.Fatalf("SendAudio() after rejected Connect error = %v", err)
	}
	select {
	case n := <-audioBytes:
		if n != 4 {
			t.Errorf("server received %d audio bytes, want 4", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("audio sent after rejected Connect never arrived")
	}
}

func TestConnection_NotConnected(t *testing.T) {
	c := NewConnection(DefaultSessionConfig("test-key"), ConnectionOptions{})

	if err := c.SendAudio([]float32{0.1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendAudio() error = %v, want ErrNotConnected", err)
	}
	if err := c.SignalEndOfAudio(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SignalEndOfAudio() error = %v, want ErrNotConnected", err)
	}
	if got := c.State().Status; got != StatusDisconnected {
		t.Errorf("initial State() = %v, want disconnected", got)
	}

	// Disconnect without a session is a no-op
	c.Disconnect()
}

func TestConnection_DisconnectClosesSession(t *testing.T) {
	serverDone := make(chan struct{})
	server := mockDeepgramServer(t, func(conn *websocket.Conn) {
		defer close(serverDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	c := testConnection(server)
	segments, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.SendAudio(make([]float32, 160)); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}

	c.Disconnect()

	if got := c.State().Status; got != StatusDisconnected {
		t.Errorf("State() after Disconnect = %v, want disconnected", got)
	}
	if err := c.SendAudio([]float32{0.1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendAudio() after Disconnect error = %v, want ErrNotConnected", err)
	}

	drainUntilClosed(t, segments, 3*time.Second)

	select {
	case <-serverDone:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not observe the close")
	}

	// A second Disconnect is harmless
	c.Disconnect()
}

func TestConnection_HandshakeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	c := testConnection(server)
	segments, err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() should fail on a rejected handshake")
	}
	if segments != nil {
		t.Error("Connect() should not return a channel on failure")
	}

	var connectErr *ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("error = %T, want *ConnectError", err)
	}
	if !strings.Contains(connectErr.Reason, "401") {
		t.Errorf("Reason = %q, want status code", connectErr.Reason)
	}

	state := c.State()
	if state.Status != StatusError || state.Reason == "" {
		t.Errorf("State() = %+v, want error with reason", state)
	}
	if err := c.SendAudio([]float32{0.1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendAudio() after failed connect error = %v, want ErrNotConnected", err)
	}
}

func TestConnection_InvalidEndpoint(t *testing.T) {
	cfg := DefaultSessionConfig("test-key")
	cfg.Endpoint = "http://localhost/v1/listen"

	c := NewConnection(cfg, ConnectionOptions{})
	_, err := c.Connect(context.Background())

	var connectErr *ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("error = %v, want *ConnectError", err)
	}
	if c.State().Status != StatusError {
		t.Errorf("State() = %v, want error", c.State())
	}
}

func TestConnection_DropsMalformedFrames(t *testing.T) {
	server := mockDeepgramServer(t, func(conn *websocket.Conn) {
		frames := []string{
			"not json at all",
			`{"type":"Metadata","request_id":"req-1","metadata":{"model_info":{"name":"nova-2"}}}`,
			resultsFrame("", true),
			resultsFrame("interim words", false),
			`{"type":"UtteranceEnd"}`,
			resultsFrame("final words", true),
		}
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		closeNormally(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	c := testConnection(server)
	segments, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	got := drainUntilClosed(t, segments, 5*time.Second)
	if len(got) != 2 {
		t.Fatalf("got %d segments, want 2: %+v", len(got), got)
	}
	if got[0].IsFinal || got[0].Text != "interim words" {
		t.Errorf("segment 0 = %+v, want interim", got[0])
	}
	if !got[1].IsFinal || got[1].Text != "final words" {
		t.Errorf("segment 1 = %+v, want final", got[1])
	}
}

func TestConnection_AbruptServerClose(t *testing.T) {
	server := mockDeepgramServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(resultsFrame("partial", false)))
		// return without a close frame; the deferred Close drops the TCP connection
	})
	defer server.Close()

	c := testConnection(server)
	segments, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	got := drainUntilClosed(t, segments, 5*time.Second)
	if len(got) != 1 {
		t.Errorf("got %d segments, want 1", len(got))
	}
	if status := c.State().Status; status != StatusDisconnected {
		t.Errorf("State() = %v, want disconnected", status)
	}
	if err := c.SendAudio([]float32{0.1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendAudio() error = %v, want ErrNotConnected", err)
	}
}

func TestConnection_ReconnectAfterClose(t *testing.T) {
	server := mockDeepgramServer(t, func(conn *websocket.Conn) {
		closeNormally(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	c := testConnection(server)
	segments, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	drainUntilClosed(t, segments, 5*time.Second)

	segments, err = c.Connect(context.Background())
	if err != nil {
		t.Fatalf("second Connect() after close error = %v", err)
	}
	drainUntilClosed(t, segments, 5*time.Second)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "hola", 10, "hola"},
		{"ascii", "hello world", 5, "hello"},
		{"inside multibyte", "añejo", 2, "a"},
		{"on boundary", "añejo", 3, "añ"},
		{"cjk", "日本語", 4, "日"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.in, tt.n)
			}
		})
	}
}
