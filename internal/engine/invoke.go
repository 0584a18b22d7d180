package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/convoyai/convoy/internal/observability"
	"github.com/convoyai/convoy/internal/rules"
	"github.com/convoyai/convoy/pkg/models"
)

// TryInvokeLocalFunctionTool resolves and executes a tool by name against
// the current augmented state. It never returns an error; failures are
// normalized into the result. Codemode uses this directly.
func (en *Engine) TryInvokeLocalFunctionTool(ctx context.Context, call models.ToolCall) models.ToolOutcome {
	aug, err := en.State(ctx)
	if err != nil {
		return failureOutcome(fmt.Sprintf("Error in tool %s: %s", call.Name, err))
	}
	return en.invokeAgainst(ctx, aug.RuntimeTools, enabledPolicies(aug.EnabledContextRules), call)
}

// invokeAgainst executes a call against an explicit tool surface: the
// current one for normal invocations, the pre-substitution one for
// codemode inner calls.
func (en *Engine) invokeAgainst(ctx context.Context, tools []models.RuntimeTool, policies []models.ToolPolicy, call models.ToolCall) models.ToolOutcome {
	start := time.Now()
	outcome := en.invokeOnce(ctx, tools, policies, call)

	if en.cfg.Metrics != nil {
		status := "success"
		if !outcome.Result.Success {
			status = "error"
		}
		en.cfg.Metrics.ToolExecutionCounter.WithLabelValues(call.Name, status).Inc()
		en.cfg.Metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())
	}
	return outcome
}

func (en *Engine) invokeOnce(ctx context.Context, tools []models.RuntimeTool, policies []models.ToolPolicy, call models.ToolCall) (outcome models.ToolOutcome) {
	ctx, span := en.cfg.Tracer.Start(ctx, "tool.invoke",
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.CallID),
	)
	defer span.End()

	tool, found := findTool(tools, call.Name)
	if !found || !tool.Local() {
		return failureOutcome(fmt.Sprintf("Tool not found or not local: %s", call.Name))
	}

	args, err := parseArguments(call.Arguments)
	if err != nil {
		return failureOutcome(fmt.Sprintf("Error in tool %s: %s", call.Name, err))
	}

	if len(tool.Spec.Parameters) > 0 {
		if err := validateArguments(tool.Spec, args); err != nil {
			// Schema messages are already descriptive; no stack.
			return failureOutcome(fmt.Sprintf("Error in tool %s: %s", call.Name, err))
		}
	}

	chain := tool.Execute
	for i := len(tool.Wrappers) - 1; i >= 0; i-- {
		chain = tool.Wrappers[i](chain)
	}

	needsApproval, err := en.approvalRequired(policies, call)
	if err != nil {
		return failureOutcome(fmt.Sprintf("Error in tool %s: %s", call.Name, err))
	}
	if needsApproval {
		chain = en.approvalWrapper()(chain)
	}

	defer func() {
		if r := recover(); r != nil {
			observability.RecordError(span, fmt.Errorf("panic: %v", r))
			outcome = failureOutcome(fmt.Sprintf("Error in tool %s: %v\n%s", call.Name, r, topStackLines(3)))
		}
	}()

	result, err := chain(ctx, call, args)
	if err != nil {
		observability.RecordError(span, err)
		return failureOutcome(fmt.Sprintf("Error in tool %s: %s", call.Name, err))
	}
	result.Result.Output = stripUnserializable(result.Result.Output)
	return result
}

// approvalRequired reports whether any policy with an approvalRequired
// matcher matches the call. Injected calls (post-approval replays) bypass
// the check.
func (en *Engine) approvalRequired(policies []models.ToolPolicy, call models.ToolCall) (bool, error) {
	if call.Injected() {
		return false, nil
	}
	callObject := map[string]any{
		"name":      call.Name,
		"call_id":   call.CallID,
		"arguments": call.Arguments,
	}
	for _, policy := range policies {
		if policy.ApprovalRequired == "" {
			continue
		}
		ok, err := rules.Match(policy.ApprovalRequired, callObject)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// approvalWrapper suspends execution: it opens an approval with the host
// and short-circuits the chain with a pending result plus the approval
// request event. The chain is never re-entered for this call; the host
// replays approved calls with an injected call id.
func (en *Engine) approvalWrapper() models.ToolWrapper {
	return func(next models.ToolFunc) models.ToolFunc {
		return func(ctx context.Context, call models.ToolCall, args map[string]any) (models.ToolOutcome, error) {
			if en.hosts.RequestApproval == nil {
				return models.ToolOutcome{}, fmt.Errorf("approval required but no approval host is configured")
			}
			approvalKey, err := en.hosts.RequestApproval(ctx, ApprovalRequest{
				ToolName:   call.Name,
				Args:       args,
				ToolCallID: call.CallID,
			})
			if err != nil {
				return models.ToolOutcome{}, fmt.Errorf("request approval: %w", err)
			}
			noTrigger := false
			return models.ToolOutcome{
				Result: models.ToolCallResult{
					Success: true,
					Output:  map[string]any{"message": "Tool call needs approval"},
				},
				TriggerLLMRequest: &noTrigger,
				AddEvents: []models.Event{models.NewEvent(models.EventToolCallApprovalRequested,
					models.ToolCallApprovalRequestedData{
						ApprovalKey: approvalKey,
						ToolName:    call.Name,
						Args:        args,
						ToolCallID:  call.CallID,
					})},
			}, nil
		}
	}
}

func findTool(tools []models.RuntimeTool, name string) (models.RuntimeTool, bool) {
	for _, t := range tools {
		if t.Spec.Name == name {
			return t, true
		}
	}
	return models.RuntimeTool{}, false
}

func parseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func validateArguments(spec models.ToolSpec, args map[string]any) error {
	raw, err := json.Marshal(spec.Parameters)
	if err != nil {
		return fmt.Errorf("tool schema unmarshalable: %w", err)
	}
	schema, err := jsonschema.CompileString(spec.Name+".params.json", string(raw))
	if err != nil {
		return fmt.Errorf("tool schema invalid: %w", err)
	}
	// Round-trip so typed values compare as generic JSON.
	generic, err := models.Decode[any](models.MustEncode(args))
	if err != nil {
		return err
	}
	return schema.Validate(generic)
}

func failureOutcome(message string) models.ToolOutcome {
	return models.ToolOutcome{Result: models.ToolCallResult{Success: false, Error: message}}
}

// topStackLines returns the first n frames of the current stack, for
// panic diagnostics.
func topStackLines(n int) string {
	lines := strings.Split(string(debug.Stack()), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

// stripUnserializable walks a value and drops anything JSON cannot
// represent, so stored results always round-trip.
func stripUnserializable(v any) any {
	if v == nil {
		return nil
	}
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			if serializable(e) {
				out[k] = stripUnserializable(e)
			}
		}
		return out
	case []any:
		out := make([]any, 0, len(tv))
		for _, e := range tv {
			if serializable(e) {
				out = append(out, stripUnserializable(e))
			}
		}
		return out
	default:
		if serializable(v) {
			return v
		}
		return nil
	}
}

func serializable(v any) bool {
	_, err := json.Marshal(v)
	return err == nil
}
