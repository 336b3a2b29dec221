// Package config loads the voicelink.yaml client configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultServerURL         = "ws://localhost:8000/ws"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectBase     = 1 * time.Second
	DefaultMaxReconnects     = 5

	DefaultSampleRate = 16000
	DefaultChannels   = 1

	DefaultBudgetLimit       = "1.00"
	DefaultWarningThreshold  = 0.75
	DefaultCriticalThreshold = 0.90

	DefaultMetricsAddr = ":9090"
)

// Config is the root configuration for a voice client.
type Config struct {
	Transport  TransportConfig  `yaml:"transport"`
	VAD        VADConfig        `yaml:"vad"`
	Capture    CaptureConfig    `yaml:"capture"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Cost       CostConfig       `yaml:"cost"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	StateStore StateStoreConfig `yaml:"statestore"`
}

// TransportConfig configures the WebSocket session.
type TransportConfig struct {
	// URL is the WebSocket endpoint.
	URL string `yaml:"url"`

	// APIKey is sent as a bearer token during the handshake. Supports
	// ${ENV_VAR} expansion.
	APIKey string `yaml:"api_key"`

	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

// VADConfig configures voice activity detection.
type VADConfig struct {
	Threshold         float64       `yaml:"threshold"`
	SpeechTimeout     time.Duration `yaml:"speech_timeout"`
	SilenceTimeout    time.Duration `yaml:"silence_timeout"`
	MinSpeechDuration time.Duration `yaml:"min_speech_duration"`
	MaxSpeechDuration time.Duration `yaml:"max_speech_duration"`
}

// CaptureConfig configures the microphone.
type CaptureConfig struct {
	SampleRate     int `yaml:"sample_rate"`
	Channels       int `yaml:"channels"`
	FramesPerChunk int `yaml:"frames_per_chunk"`
}

// PlaybackConfig configures audio output.
type PlaybackConfig struct {
	SampleRate int     `yaml:"sample_rate"`
	Channels   int     `yaml:"channels"`
	Volume     float64 `yaml:"volume"`
}

// CostConfig configures the budget ledger.
type CostConfig struct {
	// BudgetLimit is the session budget in USD as a decimal string.
	BudgetLimit string `yaml:"budget_limit"`

	WarningThreshold  float64 `yaml:"warning_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`

	// HardStop blocks voice and text sends once the budget is critical.
	HardStop bool `yaml:"hard_stop"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// StateStoreConfig configures session snapshot persistence.
type StateStoreConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend"`

	// RedisAddr is the Redis endpoint for the redis backend.
	RedisAddr string `yaml:"redis_addr"`

	// TTL bounds snapshot lifetime in Redis.
	TTL time.Duration `yaml:"ttl"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			URL:                  DefaultServerURL,
			HeartbeatInterval:    DefaultHeartbeatInterval,
			ReconnectBaseDelay:   DefaultReconnectBase,
			MaxReconnectAttempts: DefaultMaxReconnects,
		},
		VAD: VADConfig{
			Threshold:         0.30,
			SpeechTimeout:     300 * time.Millisecond,
			SilenceTimeout:    1500 * time.Millisecond,
			MinSpeechDuration: 500 * time.Millisecond,
			MaxSpeechDuration: 30 * time.Second,
		},
		Capture: CaptureConfig{
			SampleRate:     DefaultSampleRate,
			Channels:       DefaultChannels,
			FramesPerChunk: 1024,
		},
		Playback: PlaybackConfig{
			SampleRate: DefaultSampleRate,
			Channels:   DefaultChannels,
			Volume:     1.0,
		},
		Cost: CostConfig{
			BudgetLimit:       DefaultBudgetLimit,
			WarningThreshold:  DefaultWarningThreshold,
			CriticalThreshold: DefaultCriticalThreshold,
			HardStop:          true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    DefaultMetricsAddr,
		},
		StateStore: StateStoreConfig{
			Backend: "memory",
			TTL:     24 * time.Hour,
		},
	}
}

// Load reads a YAML config file, applies defaults for unset fields, expands
// environment references, and validates the result.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Transport.APIKey = os.ExpandEnv(cfg.Transport.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Transport.URL == "" {
		return fmt.Errorf("transport.url is required")
	}
	if c.Transport.MaxReconnectAttempts < 0 {
		return fmt.Errorf("transport.max_reconnect_attempts must be non-negative")
	}
	if c.VAD.Threshold < 0 || c.VAD.Threshold > 1 {
		return fmt.Errorf("vad.threshold must be between 0.0 and 1.0")
	}
	if c.Capture.SampleRate <= 0 {
		return fmt.Errorf("capture.sample_rate must be positive")
	}
	if c.Capture.Channels <= 0 {
		return fmt.Errorf("capture.channels must be positive")
	}
	if c.Playback.Volume < 0 || c.Playback.Volume > 1 {
		return fmt.Errorf("playback.volume must be between 0.0 and 1.0")
	}
	if c.Cost.WarningThreshold <= 0 || c.Cost.WarningThreshold >= c.Cost.CriticalThreshold {
		return fmt.Errorf("cost.warning_threshold must be positive and below cost.critical_threshold")
	}
	if c.Cost.CriticalThreshold > 1 {
		return fmt.Errorf("cost.critical_threshold must not exceed 1.0")
	}
	switch c.StateStore.Backend {
	case "", "memory":
	case "redis":
		if c.StateStore.RedisAddr == "" {
			return fmt.Errorf("statestore.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("statestore.backend must be memory or redis, got %q", c.StateStore.Backend)
	}
	return nil
}
