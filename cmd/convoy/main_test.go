package main

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/convoyai/convoy/internal/config"
	"github.com/convoyai/convoy/internal/eventstore"
	"github.com/convoyai/convoy/internal/observability"
)

func testRuntime(apiKey string) *runtime {
	cfg := config.Default()
	cfg.LLM.APIKey = apiKey
	return &runtime{
		cfg: cfg,
		logger: observability.NewLogger(observability.LogConfig{
			Level:  "error",
			Format: "text",
			Output: io.Discard,
		}),
		store: eventstore.NewMemoryStore(),
	}
}

func TestManagerRequiresAPIKey(t *testing.T) {
	_, err := testRuntime("").manager(nil)
	if err == nil {
		t.Fatal("empty API key accepted")
	}
	if !strings.Contains(err.Error(), "api_key") {
		t.Errorf("err = %v, want a hint naming the config key", err)
	}
}

func TestManagerBuildsWithAPIKey(t *testing.T) {
	m, err := testRuntime("sk-test").manager(
		func(context.Context, string, string) error { return nil })
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if m == nil {
		t.Fatal("manager is nil")
	}
}
