package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Usage    UsageConfig    `yaml:"usage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int `yaml:"port"`
	ReadTimeout  int `yaml:"read_timeout"`  // seconds
	WriteTimeout int `yaml:"write_timeout"` // seconds
}

// UpstreamConfig describes the upstream provider this gateway forwards to.
type UpstreamConfig struct {
	// BaseURL is the upstream API base, e.g. https://api.anthropic.com
	BaseURL string `yaml:"base_url"`

	// ProviderID identifies the provider in usage records.
	ProviderID string `yaml:"provider_id"`

	// Dialect selects the event/usage format: "anthropic" or "openai".
	// Unknown values fall back to the openai shape.
	Dialect string `yaml:"dialect"`
}

// ProxyConfig holds response-processing settings.
type ProxyConfig struct {
	// FirstByteTimeout bounds the wait for the first streamed chunk (seconds).
	// 0 disables the timeout.
	FirstByteTimeout int `yaml:"first_byte_timeout"`

	// IdleTimeout bounds the wait between streamed chunks (seconds).
	// 0 disables the timeout.
	IdleTimeout int `yaml:"idle_timeout"`

	// MaxResponseBytes caps buffered non-streaming response bodies.
	MaxResponseBytes int64 `yaml:"max_response_bytes"`
}

// UsageConfig holds usage logging settings.
type UsageConfig struct {
	// DBPath is the SQLite database path. ":memory:" is valid for tests.
	DBPath string `yaml:"db_path"`

	// QueueSize is the usage worker queue capacity.
	QueueSize int `yaml:"queue_size"`

	// EstimateTokens enables tokenizer-based output estimates for streams
	// that never reported usage. Informational only, never billed.
	EstimateTokens bool `yaml:"estimate_tokens"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses, defaults and validates raw YAML config.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultGatewayPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = int(DefaultServerReadTimeout.Seconds())
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = int(DefaultServerWriteTimeout.Seconds())
	}
	if c.Upstream.Dialect == "" {
		c.Upstream.Dialect = "openai"
	}
	if c.Upstream.ProviderID == "" {
		c.Upstream.ProviderID = "default"
	}
	if c.Proxy.MaxResponseBytes == 0 {
		c.Proxy.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if c.Usage.DBPath == "" {
		c.Usage.DBPath = DefaultUsageDBPath
	}
	if c.Usage.QueueSize == 0 {
		c.Usage.QueueSize = DefaultUsageQueueSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [0, 65535], got %d", c.Server.Port)
	}
	if c.Proxy.FirstByteTimeout < 0 {
		return fmt.Errorf("proxy.first_byte_timeout must be >= 0, got %d", c.Proxy.FirstByteTimeout)
	}
	if c.Proxy.IdleTimeout < 0 {
		return fmt.Errorf("proxy.idle_timeout must be >= 0, got %d", c.Proxy.IdleTimeout)
	}
	if c.Proxy.MaxResponseBytes < 0 {
		return fmt.Errorf("proxy.max_response_bytes must be >= 0, got %d", c.Proxy.MaxResponseBytes)
	}
	if c.Usage.QueueSize < 0 {
		return fmt.Errorf("usage.queue_size must be >= 0, got %d", c.Usage.QueueSize)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level)
	}
	return nil
}

// FirstByteTimeoutDuration returns the first-byte timeout as a duration.
func (c *ProxyConfig) FirstByteTimeoutDuration() time.Duration {
	return time.Duration(c.FirstByteTimeout) * time.Second
}

// IdleTimeoutDuration returns the idle timeout as a duration.
func (c *ProxyConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}
