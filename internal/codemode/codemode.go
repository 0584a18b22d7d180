// Package codemode implements the codemode substitution: when tool
// policies flag tools as codemode-enabled, the engine replaces them with a
// single code-generating tool whose executor evaluates a generated program
// against the original tool surface through a scoped evaluator.
package codemode

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/convoyai/convoy/pkg/models"
)

// ToolName is the name of the substituted meta-tool.
const ToolName = "codemode"

// ToolFunc is one entry of the function table handed to the evaluator: a
// thunk that performs a full tool invocation (approval wrapping included)
// and returns the tool's output value.
type ToolFunc func(ctx context.Context, input map[string]any) (any, error)

// EvalResult is what one evaluation produces.
type EvalResult struct {
	// Result is the value returned by the generated codemode() function.
	Result any

	// ToolCalls records every inner invocation in call order.
	ToolCalls []models.RecordedToolCall

	// DynamicWorkerCode is the program the evaluator actually ran, for
	// diagnostics.
	DynamicWorkerCode string
}

// Evaluator runs generated programs against a fixed function table. Close
// must be called on every exit path; implementations must make release
// idempotent.
type Evaluator interface {
	Eval(ctx context.Context, code, statusText string) (EvalResult, error)
	Close() error
}

// SetupFunc is the host's scoped evaluator acquisition.
type SetupFunc func(ctx context.Context, funcs map[string]ToolFunc) (Evaluator, error)

// Args are the two string parameters of the codemode tool.
type Args struct {
	// FunctionCode is an async function named codemode that returns a
	// value.
	FunctionCode string `json:"functionCode"`

	// StatusIndicatorText is shown to the user while the program runs.
	StatusIndicatorText string `json:"statusIndicatorText"`
}

// ToolConfig wires the codemode tool to the engine.
type ToolConfig struct {
	// Setup acquires the scoped evaluator.
	Setup SetupFunc

	// Invoke performs a full tool invocation against the original
	// (pre-substitution) tool surface.
	Invoke func(ctx context.Context, call models.ToolCall) (models.ToolOutcome, error)

	// Tools is the codemode bucket: the tools folded into the surface.
	Tools []models.RuntimeTool

	// Surface is the generated type surface embedded in the tool
	// description and the prompt fragment.
	Surface string
}

// BuildTool constructs the single runtime tool that replaces the codemode
// bucket.
func BuildTool(cfg ToolConfig) models.RuntimeTool {
	return models.RuntimeTool{
		Kind: models.ToolKindFunction,
		Spec: models.ToolSpec{
			Name: ToolName,
			Description: "Run a batch of tool calls as one generated program. " +
				"Write an async function named codemode that calls the available " +
				"tool functions and returns a value.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"functionCode": map[string]any{
						"type":        "string",
						"description": "Source of an async function named codemode that returns a value.",
					},
					"statusIndicatorText": map[string]any{
						"type":        "string",
						"description": "Short human-readable status shown while the program runs.",
					},
				},
				"required": []any{"functionCode", "statusIndicatorText"},
			},
		},
		Execute: executeFunc(cfg),
	}
}

func executeFunc(cfg ToolConfig) models.ToolFunc {
	return func(ctx context.Context, call models.ToolCall, args map[string]any) (models.ToolOutcome, error) {
		var parsed Args
		raw, _ := json.Marshal(args)
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return models.ToolOutcome{}, fmt.Errorf("parse codemode arguments: %w", err)
		}
		if parsed.FunctionCode == "" {
			return models.ToolOutcome{}, fmt.Errorf("codemode requires functionCode")
		}

		inner := newInnerRecorder()
		table := make(map[string]ToolFunc, len(cfg.Tools))
		for i, tool := range cfg.Tools {
			name := tool.Spec.Name
			suffix := i
			table[name] = func(innerCtx context.Context, input map[string]any) (any, error) {
				innerCall := models.ToolCall{
					CallID:    fmt.Sprintf("%s-codemode-%s-%d", call.CallID, name, suffix),
					Name:      name,
					Arguments: string(models.MustEncode(input)),
				}
				outcome, err := cfg.Invoke(innerCtx, innerCall)
				if err != nil {
					return nil, err
				}
				inner.record(outcome)
				if !outcome.Result.Success {
					return nil, fmt.Errorf("%s", outcome.Result.Error)
				}
				return outcome.Result.Output, nil
			}
		}

		evaluator, err := cfg.Setup(ctx, table)
		if err != nil {
			return models.ToolOutcome{}, fmt.Errorf("set up codemode evaluator: %w", err)
		}
		// Release is guaranteed on every exit path, including panics
		// inside the evaluator.
		defer func() { _ = evaluator.Close() }()

		result, err := evaluator.Eval(ctx, parsed.FunctionCode, parsed.StatusIndicatorText)
		if err != nil {
			return models.ToolOutcome{}, err
		}

		events := []models.Event{models.NewEvent(models.EventCodemodeToolCalls, models.CodemodeToolCallsData{
			Calls: result.ToolCalls,
		})}
		events = append(events, inner.addEvents()...)

		return models.ToolOutcome{
			Result:            models.ToolCallResult{Success: true, Output: result.Result},
			TriggerLLMRequest: inner.trigger(),
			AddEvents:         events,
		}, nil
	}
}

// innerRecorder accumulates the side channel of inner invocations: extra
// events the tools requested and their trigger preferences. The combined
// trigger is true if any inner call asked for one, explicit false when any
// explicitly declined and none asked, and unset otherwise.
type innerRecorder struct {
	mu       sync.Mutex
	events   []models.Event
	anyTrue  bool
	anyFalse bool
}

func newInnerRecorder() *innerRecorder { return &innerRecorder{} }

func (r *innerRecorder) record(outcome models.ToolOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, outcome.AddEvents...)
	if outcome.TriggerLLMRequest != nil {
		if *outcome.TriggerLLMRequest {
			r.anyTrue = true
		} else {
			r.anyFalse = true
		}
	}
}

func (r *innerRecorder) addEvents() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

func (r *innerRecorder) trigger() *bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.anyTrue:
		v := true
		return &v
	case r.anyFalse:
		v := false
		return &v
	default:
		return nil
	}
}
