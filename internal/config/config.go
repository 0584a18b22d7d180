// Package config loads the convoy host configuration from YAML with
// environment-variable expansion.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root host configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Store   StoreConfig   `yaml:"store"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig configures the host process surfaces.
type ServerConfig struct {
	// MetricsAddr is the Prometheus scrape listen address. Empty disables
	// the metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LLMConfig configures the provider client.
type LLMConfig struct {
	// APIKey is the provider API key; typically "${OPENAI_API_KEY}" in
	// the file.
	APIKey string `yaml:"api_key"`

	// Model is the default model id for new conversations.
	Model string `yaml:"model"`
}

// StoreConfig selects the event store backend.
type StoreConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file; empty means in-memory.
	Path string `yaml:"path"`
}

// EngineConfig tunes per-conversation engine behavior.
type EngineConfig struct {
	// UserFacingMessageTool is the tool name the runaway-turn failsafe
	// counts.
	UserFacingMessageTool string `yaml:"user_facing_message_tool"`

	// MaxAgentMessagesPerTurn is the failsafe threshold.
	MaxAgentMessagesPerTurn int `yaml:"max_agent_messages_per_turn"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint string `yaml:"endpoint"`

	// ServiceName defaults to "convoy".
	ServiceName string `yaml:"service_name"`

	// SampleRatio in [0,1]; 0 means always-on.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ShutdownTimeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			Model: "gpt-4.1",
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			ServiceName: "convoy",
		},
	}
}

// Load reads the file at path, expands ${VAR} references from the
// environment, and decodes it over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q (want memory or sqlite)", c.Store.Backend)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown logging format %q (want json or text)", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample_ratio must be in [0,1], got %v", c.Tracing.SampleRatio)
	}
	return nil
}
