// Package engine implements the per-conversation agent runtime: the
// append-only event log, the reducer pipeline, state augmentation, the
// serialized ingress path, the LLM request lifecycle, and tool invocation.
package engine

import (
	"context"
	"log/slog"

	"github.com/convoyai/convoy/internal/codemode"
	"github.com/convoyai/convoy/internal/llm"
	"github.com/convoyai/convoy/internal/observability"
	"github.com/convoyai/convoy/pkg/models"
)

// UploadFileRequest asks the host to persist a file produced by the model.
type UploadFileRequest struct {
	Content       []byte
	Filename      string
	ContentLength int
	MimeType      string
	Metadata      map[string]any
}

// UploadFileResult identifies the stored file on both sides.
type UploadFileResult struct {
	FileID         string
	ProviderFileID string
	URL            string
}

// StreamChunk is a raw provider chunk forwarded to the host observer, with
// engine context attached.
type StreamChunk struct {
	Chunk llm.Chunk

	// BatchID is the LLM_REQUEST_START event index of the run.
	BatchID int

	// ActiveFunctionCalls is how many tool invocations are outstanding.
	ActiveFunctionCalls int
}

// ApprovalRequest asks the host to open an approval for a suspended tool
// call. The host returns a fresh approval key.
type ApprovalRequest struct {
	ToolName   string
	Args       map[string]any
	ToolCallID string
}

// ApprovedToolCall is handed to the host when a pending approval resolves
// to approved. ReplayToolCall re-invokes the tool with an injected call id
// (skipping the approval wrapper) and appends the resulting tool-call
// event.
type ApprovedToolCall struct {
	Data           models.ToolCallApprovedData
	Approval       models.Approval
	State          models.State
	ReplayToolCall func(ctx context.Context) error
}

// Hosts enumerates the host-provided dependencies. StoreEvents, Background,
// GetLLMClient, ResolveTools, and GetRuleMatchData are required for a fully
// functional engine; the rest are optional and checked before use.
type Hosts struct {
	// StoreEvents persists the whole log. Called after every batch, on
	// success and failure paths alike. Errors propagate to the AddEvents
	// caller.
	StoreEvents func(ctx context.Context, events []models.Event) error

	// Background runs a fire-and-forget task. Implementations must not
	// discard errors silently and must not run fn synchronously on the
	// calling goroutine (the engine mutex may be held).
	Background func(name string, fn func(ctx context.Context) error)

	// GetLLMClient acquires a provider client for one run.
	GetLLMClient func(ctx context.Context) (llm.Client, error)

	// ResolveTools turns tool specs into runtime tools.
	ResolveTools func(ctx context.Context, specs []models.ToolSpec) ([]models.RuntimeTool, error)

	// UploadFile stores model-produced files (image generation output).
	UploadFile func(ctx context.Context, req UploadFileRequest) (UploadFileResult, error)

	// PublicFileURL optionally turns a host file id into a shareable URL.
	PublicFileURL func(ctx context.Context, fileID string) (string, error)

	// OnStreamChunk optionally receives raw provider chunks.
	OnStreamChunk func(ctx context.Context, chunk StreamChunk)

	// OnEventAdded optionally observes every appended event with the
	// post-reduce state.
	OnEventAdded func(ctx context.Context, event models.Event, reducedState models.State)

	// GetRuleMatchData returns the value context-rule matchers are
	// evaluated against.
	GetRuleMatchData func(ctx context.Context, state models.State) (any, error)

	// FinalRedirectURL optionally resolves a public redirect for this
	// conversation instance.
	FinalRedirectURL func(ctx context.Context, instanceName string) (string, error)

	// RequestApproval opens an approval and returns a fresh approval
	// key. Required iff approval policies are used.
	RequestApproval func(ctx context.Context, req ApprovalRequest) (string, error)

	// OnToolCallApproved optionally observes resolved approvals.
	OnToolCallApproved func(ctx context.Context, approved ApprovedToolCall)

	// SetupCodemode acquires a scoped codemode evaluator. Required iff
	// codemode policies are used.
	SetupCodemode codemode.SetupFunc
}

// Config tunes engine behavior.
type Config struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics, when set, records ingress, LLM, and tool metrics.
	Metrics *observability.Metrics

	// Tracer, when set, wraps LLM runs and tool invocations in spans.
	Tracer *observability.Tracer

	// UserFacingMessageTool is the tool name counted by the runaway-turn
	// failsafe. Defaults to "sendSlackMessage".
	UserFacingMessageTool string

	// MaxAgentMessagesPerTurn is the failsafe threshold. Defaults to 10.
	MaxAgentMessagesPerTurn int

	// InstanceName identifies this conversation to the host (redirect
	// URLs, logging).
	InstanceName string
}

// DefaultUserFacingMessageTool is counted by the failsafe when the host
// does not configure its own user-facing message tool.
const DefaultUserFacingMessageTool = "sendSlackMessage"

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.UserFacingMessageTool == "" {
		c.UserFacingMessageTool = DefaultUserFacingMessageTool
	}
	if c.MaxAgentMessagesPerTurn <= 0 {
		c.MaxAgentMessagesPerTurn = 10
	}
	return c
}

// DefaultBackground returns a Background implementation that runs tasks on
// new goroutines and logs failures and panics instead of discarding them.
func DefaultBackground(logger *slog.Logger) func(name string, fn func(ctx context.Context) error) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(name string, fn func(ctx context.Context) error) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("background task panicked", "task", name, "panic", r)
				}
			}()
			if err := fn(context.Background()); err != nil {
				logger.Error("background task failed", "task", name, "error", err)
			}
		}()
	}
}
