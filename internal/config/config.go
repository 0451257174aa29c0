package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Supported values for STT_TRANSPORT
const (
	TransportWebSocket = "websocket"
	TransportSDK       = "sdk"
)

// Config holds all configuration for the stt gateway service
type Config struct {
	// Server configuration
	Port     string `envconfig:"PORT" default:"8080" yaml:"port"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"9090" yaml:"grpc_port"`

	// Deepgram STT API configuration.
	// The API key is optional at load time; without it the provider reports
	// itself as not loaded and single-shot requests fail fast.
	DeepgramAPIKey      string `envconfig:"DEEPGRAM_API_KEY" default:"" yaml:"deepgram_api_key"`
	DeepgramModel       string `envconfig:"DEEPGRAM_MODEL" default:"nova-2-meeting" yaml:"deepgram_model"`               // nova-2-meeting, nova-2, nova-3, ...
	DeepgramLanguage    string `envconfig:"DEEPGRAM_LANGUAGE" default:"" yaml:"deepgram_language"`                       // Empty lets Deepgram auto-detect
	DeepgramURL         string `envconfig:"DEEPGRAM_URL" default:"wss://api.deepgram.com/v1/listen" yaml:"deepgram_url"` // Streaming endpoint
	DeepgramDiarize     bool   `envconfig:"DEEPGRAM_DIARIZE" default:"true" yaml:"deepgram_diarize"`
	DeepgramPunctuate   bool   `envconfig:"DEEPGRAM_PUNCTUATE" default:"true" yaml:"deepgram_punctuate"`
	DeepgramSmartFormat bool   `envconfig:"DEEPGRAM_SMART_FORMAT" default:"true" yaml:"deepgram_smart_format"`

	// Transport used to talk to Deepgram: "websocket" (native client) or "sdk" (deepgram-go-sdk)
	STTTransport string `envconfig:"STT_TRANSPORT" default:"websocket" yaml:"stt_transport"`

	// Session tuning
	HandshakeTimeout  int `envconfig:"HANDSHAKE_TIMEOUT" default:"10" yaml:"handshake_timeout"`    // seconds
	TranscribeTimeout int `envconfig:"TRANSCRIBE_TIMEOUT" default:"10" yaml:"transcribe_timeout"`  // seconds to wait for single-shot results
	AudioQueueSize    int `envconfig:"AUDIO_QUEUE_SIZE" default:"100" yaml:"audio_queue_size"`     // Outbound audio messages buffered per session
	ResultBufferSize  int `envconfig:"RESULT_BUFFER_SIZE" default:"100" yaml:"result_buffer_size"` // Transcript segments buffered per session

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`             // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false" yaml:"log_pretty"`          // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true" yaml:"metrics_enabled"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFile loads configuration from the environment and then applies
// the YAML file at path on top. An empty path behaves like Load.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}
	if err := cfg.ApplyFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyFile overlays keys present in a YAML file; absent keys keep their value
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return c.Validate()
}

// Validate checks field combinations envconfig cannot express
func (c *Config) Validate() error {
	switch c.STTTransport {
	case TransportWebSocket, TransportSDK:
	default:
		return fmt.Errorf("STT_TRANSPORT must be %q or %q, got %q", TransportWebSocket, TransportSDK, c.STTTransport)
	}
	if c.DeepgramModel == "" {
		return fmt.Errorf("DEEPGRAM_MODEL is required")
	}
	if c.DeepgramURL == "" {
		return fmt.Errorf("DEEPGRAM_URL is required")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("HANDSHAKE_TIMEOUT must be positive, got %d", c.HandshakeTimeout)
	}
	if c.TranscribeTimeout <= 0 {
		return fmt.Errorf("TRANSCRIBE_TIMEOUT must be positive, got %d", c.TranscribeTimeout)
	}
	if c.AudioQueueSize <= 0 || c.ResultBufferSize <= 0 {
		return fmt.Errorf("AUDIO_QUEUE_SIZE and RESULT_BUFFER_SIZE must be positive")
	}
	return nil
}

// TranscribeTimeoutDuration returns the single-shot drain bound
func (c *Config) TranscribeTimeoutDuration() time.Duration {
	return time.Duration(c.TranscribeTimeout) * time.Second
}

// HandshakeTimeoutDuration returns the WebSocket handshake bound
func (c *Config) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(c.HandshakeTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
