package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "convoy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != "gpt-4.1" {
		t.Errorf("default model = %q", cfg.LLM.Model)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("default backend = %q", cfg.Store.Backend)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("default shutdown timeout = %v", cfg.Server.ShutdownTimeout)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  model: gpt-5
store:
  backend: sqlite
  path: /tmp/convoy.db
engine:
  user_facing_message_tool: postMessage
  max_agent_messages_per_turn: 7
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != "gpt-5" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.Path != "/tmp/convoy.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Engine.UserFacingMessageTool != "postMessage" || cfg.Engine.MaxAgentMessagesPerTurn != 7 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	// Untouched sections keep their defaults.
	if cfg.Logging.Level != "info" {
		t.Errorf("logging level = %q, want default", cfg.Logging.Level)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("CONVOY_TEST_KEY", "sk-secret")
	path := writeConfig(t, `
llm:
  api_key: ${CONVOY_TEST_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-secret" {
		t.Errorf("api key = %q, want expanded value", cfg.LLM.APIKey)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
llm:
  modle: typo
`)
	if _, err := Load(path); err == nil {
		t.Error("unknown field accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad backend",
			mutate:  func(c *Config) { c.Store.Backend = "postgres" },
			wantErr: "store backend",
		},
		{
			name:    "bad logging format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging format",
		},
		{
			name:    "bad logging level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "logging level",
		},
		{
			name:    "sample ratio above one",
			mutate:  func(c *Config) { c.Tracing.SampleRatio = 1.5 },
			wantErr: "sample_ratio",
		},
		{
			name:    "sample ratio negative",
			mutate:  func(c *Config) { c.Tracing.SampleRatio = -0.1 },
			wantErr: "sample_ratio",
		},
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
