package stt

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/lexiqai/stt-gateway/internal/audio"
	"github.com/lexiqai/stt-gateway/internal/config"
)

// DefaultEndpoint is Deepgram's streaming listen endpoint
const DefaultEndpoint = "wss://api.deepgram.com/v1/listen"

// SessionConfig is the immutable handshake configuration for one connect attempt
type SessionConfig struct {
	Endpoint       string
	APIKey         string
	Model          string
	Language       string // Empty means let the service detect it
	SampleRate     int
	Channels       int
	Encoding       string
	Diarize        bool
	Punctuate      bool
	InterimResults bool
	SmartFormat    bool
}

// DefaultSessionConfig returns a linear16 16kHz mono configuration with
// diarization, punctuation, interim results and smart formatting enabled
func DefaultSessionConfig(apiKey string) SessionConfig {
	return SessionConfig{
		Endpoint:       DefaultEndpoint,
		APIKey:         apiKey,
		Model:          "nova-2",
		Language:       "en",
		SampleRate:     audio.SampleRate,
		Channels:       audio.Channels,
		Encoding:       audio.Encoding,
		Diarize:        true,
		Punctuate:      true,
		InterimResults: true,
		SmartFormat:    true,
	}
}

// SessionConfigFromConfig derives the base session configuration from service config
func SessionConfigFromConfig(cfg *config.Config) SessionConfig {
	sc := DefaultSessionConfig(cfg.DeepgramAPIKey)
	sc.Endpoint = cfg.DeepgramURL
	sc.Model = cfg.DeepgramModel
	sc.Language = cfg.DeepgramLanguage
	sc.Diarize = cfg.DeepgramDiarize
	sc.Punctuate = cfg.DeepgramPunctuate
	sc.SmartFormat = cfg.DeepgramSmartFormat
	return sc
}

// IsValidLanguageCode reports whether a language hint should be forwarded.
// Codes look like "en" or "en-US"; pseudo values such as "auto-translate"
// are dropped so the service auto-detects instead.
func IsValidLanguageCode(lang string) bool {
	return len(lang) >= 2 &&
		len(lang) <= 10 &&
		!strings.Contains(lang, "auto") &&
		!strings.Contains(lang, "translate") &&
		!strings.Contains(lang, "detect")
}

// BuildURL constructs the WebSocket URL with query parameters
func (c SessionConfig) BuildURL() (string, error) {
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("endpoint scheme must be ws or wss, got %q", u.Scheme)
	}

	q := u.Query()
	q.Set("model", c.Model)
	q.Set("encoding", c.Encoding)
	q.Set("sample_rate", strconv.Itoa(c.SampleRate))
	q.Set("channels", strconv.Itoa(c.Channels))

	if IsValidLanguageCode(c.Language) {
		q.Set("language", c.Language)
	}

	if c.Diarize {
		q.Set("diarize", "true")
	}
	if c.Punctuate {
		q.Set("punctuate", "true")
	}
	if c.InterimResults {
		q.Set("interim_results", "true")
	}
	if c.SmartFormat {
		q.Set("smart_format", "true")
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// HandshakeHeaders returns the authentication and host headers for the upgrade request.
// The dialer adds Upgrade, Connection, Sec-WebSocket-Version and Sec-WebSocket-Key itself.
func (c SessionConfig) HandshakeHeaders() (http.Header, error) {
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+c.APIKey)
	headers.Set("Host", u.Host)
	return headers, nil
}
