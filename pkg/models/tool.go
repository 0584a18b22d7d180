package models

import "context"

// ToolCall is a provider function-call item: the model asked for a named
// tool with JSON-encoded arguments.
type ToolCall struct {
	// ID is the provider output-item id, when known.
	ID string `json:"id,omitempty"`

	// CallID identifies this invocation; results are correlated by it.
	// Call ids with the "injected-" prefix bypass approval wrapping
	// (system-driven replays after an approval).
	CallID string `json:"call_id"`

	// Name is the tool name.
	Name string `json:"name"`

	// Arguments is the raw JSON argument string. Empty parses as {}.
	Arguments string `json:"arguments"`
}

// InjectedCallPrefix marks replayed tool calls that must skip approval.
const InjectedCallPrefix = "injected-"

// Injected reports whether this call is a system-driven replay.
func (c ToolCall) Injected() bool {
	return len(c.CallID) >= len(InjectedCallPrefix) && c.CallID[:len(InjectedCallPrefix)] == InjectedCallPrefix
}

// ToolCallResult is the normalized outcome of a tool invocation.
type ToolCallResult struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolOutcome is what a tool execution chain returns: the result, an
// optional trigger override, and extra events the tool wants appended.
type ToolOutcome struct {
	Result ToolCallResult

	// TriggerLLMRequest overrides the default trigger on the resulting
	// LOCAL_FUNCTION_TOOL_CALL event. Nil keeps the default (true).
	TriggerLLMRequest *bool

	// AddEvents are appended after the tool-call event itself.
	AddEvents []Event
}

// ToolFunc executes a tool call with parsed arguments.
type ToolFunc func(ctx context.Context, call ToolCall, args map[string]any) (ToolOutcome, error)

// ToolWrapper decorates a ToolFunc. Wrappers compose innermost-last: the
// last wrapper in a tool's list is closest to the executor.
type ToolWrapper func(next ToolFunc) ToolFunc

// ToolSpec describes a tool to the provider and to the resolver.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`

	// Group tags where the spec came from ("context-rule" for rule-provided
	// tools); informational.
	Group string `json:"group,omitempty"`
}

// Runtime tool kinds.
const (
	ToolKindFunction = "function"
	ToolKindMCP      = "mcp"
)

// RuntimeTool is a resolved tool available to the engine during one read of
// augmented state. Only function-kind tools with a non-nil Execute are
// locally invocable.
type RuntimeTool struct {
	Kind     string
	Spec     ToolSpec
	Execute  ToolFunc
	Wrappers []ToolWrapper
}

// Local reports whether the tool can be executed by the engine itself.
func (t RuntimeTool) Local() bool {
	return t.Kind == ToolKindFunction && t.Execute != nil
}

// ProviderDefinition renders the tool as a responses-API tool entry.
func (t RuntimeTool) ProviderDefinition() map[string]any {
	def := map[string]any{
		"type": "function",
		"name": t.Spec.Name,
	}
	if t.Spec.Description != "" {
		def["description"] = t.Spec.Description
	}
	if t.Spec.Parameters != nil {
		def["parameters"] = deepCopyMap(t.Spec.Parameters)
	}
	return def
}

// ToolPolicy attaches behavior to tools matched by JSONata expressions.
// An empty matcher field means the policy does not cover that concern; the
// literal expression "true" matches everything.
type ToolPolicy struct {
	// ApprovalRequired is evaluated against the tool call object
	// ({name, call_id, arguments}). A truthy result suspends execution
	// behind an approval.
	ApprovalRequired string `json:"approvalRequired,omitempty"`

	// Codemode is evaluated against the tool descriptor ({name,
	// description, parameters}). A truthy result moves the tool into the
	// codemode bucket.
	Codemode string `json:"codemode,omitempty"`
}

// MCPServer declares an MCP-style server contributed by a context rule.
// The engine collects these; connecting is host business.
type MCPServer struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ContextRule conditionally contributes prompt text, tools, tool policies,
// and MCP servers to a conversation. Matcher is a JSONata expression
// evaluated against host-provided rule-match data; absent means always on.
type ContextRule struct {
	Key          string       `json:"key"`
	Matcher      string       `json:"matcher,omitempty"`
	Prompt       string       `json:"prompt,omitempty"`
	Tools        []ToolSpec   `json:"tools,omitempty"`
	ToolPolicies []ToolPolicy `json:"toolPolicies,omitempty"`
	MCPServers   []MCPServer  `json:"mcpServers,omitempty"`
}

// RecordedToolCall is one inner call performed during a codemode
// evaluation, kept as an output sample for surface generation.
type RecordedToolCall struct {
	Tool   string `json:"tool"`
	Input  any    `json:"input,omitempty"`
	Output any    `json:"output,omitempty"`
}

// Participant is a conversation member.
type Participant struct {
	UserID   string         `json:"userId"`
	Name     string         `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ApprovalStatus is the lifecycle of a tool-call approval.
type ApprovalStatus string

// Approval states: pending transitions once to approved or rejected.
const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval tracks one suspended tool call awaiting a decision.
type Approval struct {
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args,omitempty"`
	ToolCallID string         `json:"toolCallId"`
	Status     ApprovalStatus `json:"status"`
}
