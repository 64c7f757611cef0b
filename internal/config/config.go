package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Supported upstream transcription providers
const (
	ProviderFireworks = "fireworks"
	ProviderDeepgram  = "deepgram"
)

// Malformed frame policies
const (
	MalformedFrameFallback = "fallback" // decode to the default speaker/language
	MalformedFrameDrop     = "drop"     // discard the frame
)

// ErrMissingProviderCredential is returned when the selected provider has no API key.
// The gateway cannot serve any meeting without it, so callers treat it as fatal.
var ErrMissingProviderCredential = errors.New("missing transcription provider credential")

// Config holds all configuration for the transcription gateway
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8001"`
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:""` // Empty disables the gRPC health server

	// WebSocket settings
	WSMaxSizeBytes    int64 `envconfig:"WS_MAX_SIZE_BYTES" default:"1000000"`
	WSMaxQueueSize    int   `envconfig:"WS_MAX_QUEUE_SIZE" default:"3000"`
	WSMaxPingInterval int   `envconfig:"WS_MAX_PING_INTERVAL" default:"30"` // seconds
	WSMaxPingTimeout  int   `envconfig:"WS_MAX_PING_TIMEOUT" default:"30"`  // seconds

	// Streaming transcription settings
	MaxConnections       int     `envconfig:"WHISPER_MAX_CONNECTIONS" default:"10"`
	FlushInterval        int     `envconfig:"WHISPER_FLUSH_BUFFER_INTERVAL" default:"2000"` // milliseconds
	DefaultLanguage      string  `envconfig:"WHISPER_LANGUAGE" default:"en"`
	MinProbability       float64 `envconfig:"WHISPER_MIN_PROBABILITY" default:"0.7"`
	IncludeAudio         bool    `envconfig:"INCLUDE_AUDIO" default:"false"`
	MalformedFramePolicy string  `envconfig:"MALFORMED_FRAME_POLICY" default:"fallback"`

	// Upstream provider configuration
	Provider        string `envconfig:"STT_PROVIDER" default:"fireworks"`
	FireworksAPIKey string `envconfig:"FIREWORKS_API_KEY"`
	FireworksURL    string `envconfig:"FIREWORKS_URL" default:"wss://audio-streaming.us-virginia-1.direct.fireworks.ai/v1/audio/transcriptions/streaming"`
	DeepgramAPIKey  string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel   string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`

	// Authorization
	BypassAuthorization bool   `envconfig:"BYPASS_AUTHORIZATION" default:"false"`
	AuthToken           string `envconfig:"AUTH_TOKEN" default:""`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Handshake attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Upstream reconnects per participant
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // milliseconds

	// Transcript fan-out
	KafkaEnabled        bool     `envconfig:"KAFKA_ENABLED" default:"false"`
	KafkaBrokers        []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopicInterim   string   `envconfig:"KAFKA_TOPIC_INTERIM" default:"transcripts.interim"`
	KafkaTopicFinal     string   `envconfig:"KAFKA_TOPIC_FINAL" default:"transcripts.final"`
	KafkaPublishInterim bool     `envconfig:"KAFKA_PUBLISH_INTERIM" default:"false"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// A missing .env file is not an error
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

// Validate checks cross-field constraints that envconfig cannot express
func (c *Config) Validate() error {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))

	switch c.Provider {
	case ProviderFireworks:
		if c.FireworksAPIKey == "" {
			return fmt.Errorf("%w: FIREWORKS_API_KEY is required", ErrMissingProviderCredential)
		}
	case ProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("%w: DEEPGRAM_API_KEY is required", ErrMissingProviderCredential)
		}
	default:
		return fmt.Errorf("unsupported STT_PROVIDER %q", c.Provider)
	}

	switch c.MalformedFramePolicy {
	case MalformedFrameFallback, MalformedFrameDrop:
	default:
		return fmt.Errorf("unsupported MALFORMED_FRAME_POLICY %q", c.MalformedFramePolicy)
	}

	if c.MaxConnections <= 0 {
		return fmt.Errorf("WHISPER_MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	}
	if c.WSMaxQueueSize <= 0 {
		return fmt.Errorf("WS_MAX_QUEUE_SIZE must be positive, got %d", c.WSMaxQueueSize)
	}
	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED is set")
	}

	return nil
}

// PingInterval returns the websocket ping interval
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.WSMaxPingInterval) * time.Second
}

// PingTimeout returns how long to wait for a pong before tearing the connection down
func (c *Config) PingTimeout() time.Duration {
	return time.Duration(c.WSMaxPingTimeout) * time.Second
}

// FlushEvery returns the periodic flush interval
func (c *Config) FlushEvery() time.Duration {
	return time.Duration(c.FlushInterval) * time.Millisecond
}
