// Package service manages per-conversation engines for a host process:
// lazy creation, initialization from the event store, and the built-in
// tool surface.
package service

import (
	"context"
	"fmt"
	"sync"

	"log/slog"

	"github.com/google/uuid"

	"github.com/convoyai/convoy/internal/codemode/gojaeval"
	"github.com/convoyai/convoy/internal/engine"
	"github.com/convoyai/convoy/internal/eventstore"
	"github.com/convoyai/convoy/internal/llm"
	"github.com/convoyai/convoy/internal/observability"
	"github.com/convoyai/convoy/pkg/models"
)

// Deps are the process-wide dependencies shared by every conversation.
type Deps struct {
	Store   eventstore.Store
	Client  llm.Client
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// SystemPrompt seeds new conversations.
	SystemPrompt string

	// Model seeds new conversations' model options.
	Model string

	// UserFacingMessageTool is the outbound message tool name; it is both
	// registered as a built-in tool and counted by the engine failsafe.
	UserFacingMessageTool string

	// MaxAgentMessagesPerTurn is the failsafe threshold; 0 takes the
	// engine default.
	MaxAgentMessagesPerTurn int

	// MessageSink delivers agent messages to the outside world.
	MessageSink func(ctx context.Context, conversationID, text string) error

	// Slices are extra reducer slices installed on every engine.
	Slices []engine.Slice
}

// Manager owns the engines of a host process, one per conversation.
type Manager struct {
	deps Deps

	mu      sync.Mutex
	engines map[string]*engine.Engine
}

// NewManager validates deps and returns an empty manager.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("service: event store is required")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("service: LLM client is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.UserFacingMessageTool == "" {
		deps.UserFacingMessageTool = engine.DefaultUserFacingMessageTool
	}
	return &Manager{deps: deps, engines: map[string]*engine.Engine{}}, nil
}

// Engine returns the engine for a conversation, creating and initializing
// it from the store on first use. New conversations are seeded with the
// configured system prompt, model, and built-in tool rule.
func (m *Manager) Engine(ctx context.Context, conversationID string) (*engine.Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if en, ok := m.engines[conversationID]; ok {
		return en, nil
	}

	en, err := m.build(conversationID)
	if err != nil {
		return nil, err
	}
	existing, err := m.deps.Store.Load(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	if err := en.Initialize(ctx, existing); err != nil {
		return nil, fmt.Errorf("initialize conversation %s: %w", conversationID, err)
	}
	if len(existing) == 0 {
		if _, err := en.AddEvents(ctx, m.seedEvents()...); err != nil {
			return nil, fmt.Errorf("seed conversation %s: %w", conversationID, err)
		}
	}
	m.engines[conversationID] = en
	return en, nil
}

// Conversations lists the ids known to the store.
func (m *Manager) Conversations(ctx context.Context) ([]string, error) {
	return m.deps.Store.Conversations(ctx)
}

func (m *Manager) build(conversationID string) (*engine.Engine, error) {
	hosts := engine.Hosts{
		StoreEvents: func(ctx context.Context, events []models.Event) error {
			return m.deps.Store.Save(ctx, conversationID, events)
		},
		GetLLMClient: func(context.Context) (llm.Client, error) {
			return m.deps.Client, nil
		},
		ResolveTools: m.resolveTools(conversationID),
		GetRuleMatchData: func(_ context.Context, state models.State) (any, error) {
			return map[string]any{"metadata": state.Metadata}, nil
		},
		RequestApproval: func(context.Context, engine.ApprovalRequest) (string, error) {
			return uuid.NewString(), nil
		},
		OnToolCallApproved: func(ctx context.Context, approved engine.ApprovedToolCall) {
			if err := approved.ReplayToolCall(ctx); err != nil {
				m.deps.Logger.Error("replay approved tool call",
					"conversation", conversationID, "tool", approved.Approval.ToolName, "error", err)
			}
		},
		SetupCodemode: gojaeval.Setup,
	}
	return engine.New(hosts, engine.Config{
		Logger:                  m.deps.Logger.With("conversation", conversationID),
		Metrics:                 m.deps.Metrics,
		Tracer:                  m.deps.Tracer,
		UserFacingMessageTool:   m.deps.UserFacingMessageTool,
		MaxAgentMessagesPerTurn: m.deps.MaxAgentMessagesPerTurn,
		InstanceName:            conversationID,
	}, m.deps.Slices...)
}

// seedEvents is the bootstrap batch for a brand-new conversation.
func (m *Manager) seedEvents() []models.Event {
	var events []models.Event
	if m.deps.SystemPrompt != "" {
		events = append(events, models.NewEvent(models.EventSetSystemPrompt,
			models.SetSystemPromptData{Prompt: m.deps.SystemPrompt}))
	}
	if m.deps.Model != "" {
		events = append(events, models.NewEvent(models.EventSetModelOpts,
			models.SetModelOptsData{ModelOpts: models.ModelOpts{"model": m.deps.Model}}))
	}
	events = append(events, models.NewEvent(models.EventAddContextRules, models.AddContextRulesData{
		Rules: []models.ContextRule{{
			Key:   "builtin-tools",
			Tools: []models.ToolSpec{m.messageToolSpec()},
		}},
	}))
	return events
}

func (m *Manager) messageToolSpec() models.ToolSpec {
	return models.ToolSpec{
		Name:        m.deps.UserFacingMessageTool,
		Description: "Send a message to the user. The only way to communicate with them.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "The message text",
				},
			},
			"required":             []any{"text"},
			"additionalProperties": false,
		},
	}
}

// resolveTools maps tool specs to built-in executors. Specs the manager
// does not recognize resolve without an executor, so the engine reports
// them as not local.
func (m *Manager) resolveTools(conversationID string) func(ctx context.Context, specs []models.ToolSpec) ([]models.RuntimeTool, error) {
	return func(_ context.Context, specs []models.ToolSpec) ([]models.RuntimeTool, error) {
		tools := make([]models.RuntimeTool, 0, len(specs))
		for _, spec := range specs {
			tool := models.RuntimeTool{Kind: models.ToolKindFunction, Spec: spec}
			if spec.Name == m.deps.UserFacingMessageTool {
				tool.Execute = m.sendMessage(conversationID)
			}
			tools = append(tools, tool)
		}
		return tools, nil
	}
}

func (m *Manager) sendMessage(conversationID string) models.ToolFunc {
	return func(ctx context.Context, _ models.ToolCall, args map[string]any) (models.ToolOutcome, error) {
		text, _ := args["text"].(string)
		if m.deps.MessageSink != nil {
			if err := m.deps.MessageSink(ctx, conversationID, text); err != nil {
				return models.ToolOutcome{}, err
			}
		}
		return models.ToolOutcome{
			Result: models.ToolCallResult{Success: true, Output: map[string]any{"delivered": true}},
			AddEvents: []models.Event{models.NewEvent(models.EventMessageFromAgent,
				models.MessageFromAgentData{Text: text})},
		}, nil
	}
}
