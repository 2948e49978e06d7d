package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// DefaultUpstreamURL is the ElevenLabs conversational agent WebSocket endpoint
const DefaultUpstreamURL = "wss://api.elevenlabs.io/v1/convai/conversation"

// Config holds all configuration for the relay service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8787"`

	// Public base URL for this service, used only for logging the endpoint.
	// Optional; if unset, logs ws://localhost:PORT/agent.
	PublicURL string `envconfig:"RELAY_PUBLIC_URL" default:""`

	// Comma separated list of allowed browser origins. Empty allows all origins.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`

	// Upstream voice agent configuration.
	// The API key is optional at startup; connections fail without it.
	UpstreamAPIKey      string        `envconfig:"ELEVENLABS_API_KEY" default:""`
	DefaultAgentID      string        `envconfig:"ELEVENLABS_AGENT_ID" default:""`
	UpstreamURL         string        `envconfig:"UPSTREAM_URL" default:"wss://api.elevenlabs.io/v1/convai/conversation"`
	UpstreamDialTimeout time.Duration `envconfig:"UPSTREAM_DIAL_TIMEOUT" default:"10s"`

	// Per-session connection tuning
	ClientPingInterval  time.Duration `envconfig:"CLIENT_PING_INTERVAL" default:"20s"`
	ClientPongTimeout   time.Duration `envconfig:"CLIENT_PONG_TIMEOUT" default:"45s"`
	WriteTimeout        time.Duration `envconfig:"WRITE_TIMEOUT" default:"5s"`
	CloseGracePeriod    time.Duration `envconfig:"CLOSE_GRACE_PERIOD" default:"1s"`
	PendingControlLimit int           `envconfig:"PENDING_CONTROL_LIMIT" default:"16"` // Control frames held until upstream opens
	MaxMessageBytes     int64         `envconfig:"MAX_MESSAGE_BYTES" default:"1048576"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Upstream dial failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// ClientConfig holds configuration for the voicechat producer
type ClientConfig struct {
	// Relay endpoint and agent selection
	RelayURL string `envconfig:"RELAY_URL" default:"ws://localhost:8787/agent"`
	AgentID  string `envconfig:"ELEVENLABS_AGENT_ID" default:""`

	// Dynamic variables sent to the agent when a conversation starts, as key:value pairs
	AgentVariables map[string]string `envconfig:"AGENT_VARIABLES"`

	// Pre-rendered clip backend (text-to-speech HTTP API)
	TTSAPIKey  string        `envconfig:"TTS_API_KEY" default:""`
	TTSURL     string        `envconfig:"TTS_URL" default:"https://api.elevenlabs.io/v1/text-to-speech"`
	TTSVoiceID string        `envconfig:"TTS_VOICE_ID" default:"21m00Tcm4TlvDq8ikWAM"`
	TTSModelID string        `envconfig:"TTS_MODEL_ID" default:"eleven_flash_v2_5"`
	TTSTimeout time.Duration `envconfig:"TTS_TIMEOUT" default:"15s"`

	// Local speech synthesis fallback
	SynthCommand string `envconfig:"SYNTH_COMMAND" default:"espeak-ng"`

	// Audio configuration
	SpeakerBufferSize  int     `envconfig:"SPEAKER_BUFFER_SIZE" default:"192000"` // Ring buffer size in bytes (~6s at 16kHz)
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for barge-in
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"3"`       // Blocks of silence to mark speech end
	TranscriptLines    int     `envconfig:"TRANSCRIPT_LINES" default:"200"`       // Bounded transcript buffer

	// Resilience configuration
	RetryMaxAttempts    int `envconfig:"RETRY_MAX_ATTEMPTS" default:"2"`      // Clip fetch attempts before falling back
	RetryInitialBackoff int `envconfig:"RETRY_INITIAL_BACKOFF" default:"200"` // Initial backoff in milliseconds

	// Observability configuration
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"true"`
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

	if cfg.UpstreamURL == "" {
		return nil, fmt.Errorf("UPSTREAM_URL must not be empty")
	}
	if cfg.PendingControlLimit < 0 {
		return nil, fmt.Errorf("PENDING_CONTROL_LIMIT must not be negative")
	}

	return &cfg, nil
}

// HasCredential reports whether the upstream API key is configured
func (c *Config) HasCredential() bool {
	return c.UpstreamAPIKey != ""
}

// LoadClient reads the producer configuration, honouring a .env file if present
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	var cfg ClientConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load client config: %w", err)
	}

	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("RELAY_URL is required")
	}
	if cfg.RetryMaxAttempts < 1 {
		cfg.RetryMaxAttempts = 1
	}

	return &cfg, nil
}
