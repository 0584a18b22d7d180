// Package main provides the convoy CLI: an event-sourced, per-conversation
// LLM agent runtime.
//
// # Basic Usage
//
// Start the HTTP host:
//
//	convoy serve --config convoy.yaml
//
// Chat with an agent locally:
//
//	convoy chat --conversation local
//
// # Environment Variables
//
//   - CONVOY_CONFIG: path to the configuration file
//   - OPENAI_API_KEY: provider API key (referenced from the config file)
package main

import (
	"context"
	"fmt"
	"os"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/convoyai/convoy/internal/config"
	"github.com/convoyai/convoy/internal/eventstore"
	"github.com/convoyai/convoy/internal/llm"
	"github.com/convoyai/convoy/internal/observability"
	"github.com/convoyai/convoy/internal/service"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "convoy",
		Short:        "Convoy - event-sourced LLM agent runtime",
		Long:         "Convoy runs per-conversation agent engines over an append-only event log,\nwith context rules, tool approval, and codemode tool folding.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONVOY_CONFIG"), "Path to configuration file")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
	)
	return rootCmd
}

// runtime bundles the process-wide pieces the commands share.
type runtime struct {
	cfg      config.Config
	logger   *observability.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	store    eventstore.Store
	shutdown func(context.Context) error
}

func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger.Slog())

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	tracer, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, err
	}

	var store eventstore.Store
	switch cfg.Store.Backend {
	case "sqlite":
		store, err = eventstore.NewSQLiteStore(eventstore.SQLiteConfig{Path: cfg.Store.Path})
		if err != nil {
			shutdownTracer(ctx)
			return nil, err
		}
	default:
		store = eventstore.NewMemoryStore()
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics,
		tracer:   tracer,
		store:    store,
		shutdown: func(ctx context.Context) error {
			serr := store.Close()
			if terr := shutdownTracer(ctx); terr != nil {
				return terr
			}
			return serr
		},
	}, nil
}

func (rt *runtime) manager(sink func(ctx context.Context, conversationID, text string) error) (*service.Manager, error) {
	client, err := llm.NewOpenAIClient(rt.cfg.LLM.APIKey)
	if err != nil {
		return nil, fmt.Errorf("configure llm client (set llm.api_key or OPENAI_API_KEY): %w", err)
	}
	return service.NewManager(service.Deps{
		Store:                 rt.store,
		Client:                client,
		Logger:                rt.logger.Slog(),
		Metrics:               rt.metrics,
		Tracer:                rt.tracer,
		Model:                 rt.cfg.LLM.Model,
		SystemPrompt:          defaultSystemPrompt,
		UserFacingMessageTool: rt.cfg.Engine.UserFacingMessageTool,
		MaxAgentMessagesPerTurn: rt.cfg.Engine.MaxAgentMessagesPerTurn,
		MessageSink:           sink,
	})
}

const defaultSystemPrompt = "You are a helpful assistant. Use the message tool to reply to the user; plain text output is not delivered."
