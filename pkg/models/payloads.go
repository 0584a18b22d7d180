package models

import "encoding/json"

// InitializedWithEventsData records how many events were replayed during
// engine initialization.
type InitializedWithEventsData struct {
	EventCount int `json:"eventCount"`
}

// SetSystemPromptData overwrites the system prompt.
type SetSystemPromptData struct {
	Prompt string `json:"prompt"`
}

// AddContextRulesData upserts context rules keyed by rule key.
type AddContextRulesData struct {
	Rules []ContextRule `json:"rules"`
}

// SetModelOptsData atomically replaces the model options.
type SetModelOptsData struct {
	ModelOpts ModelOpts `json:"modelOpts"`
}

// AddLabelData inserts a label into metadata.labels if absent.
type AddLabelData struct {
	Label string `json:"label"`
}

// LLMRequestStartData carries the responses-API parameter set computed when
// the request was triggered.
type LLMRequestStartData struct {
	Params map[string]any `json:"params,omitempty"`
}

// LLMRequestEndData carries the provider's final response object.
type LLMRequestEndData struct {
	RawResponse map[string]any `json:"rawResponse,omitempty"`
}

// LLMRequestCancelData records why an in-flight request was abandoned.
type LLMRequestCancelData struct {
	Reason string `json:"reason"`
}

// LocalFunctionToolCallData records a completed local tool invocation: the
// provider call item, the normalized result, and timing. When the provider
// coupled the call to a reasoning item, AssociatedReasoningItemID names it;
// the reducer requires that item to already be present in inputItems.
type LocalFunctionToolCallData struct {
	Call                      ToolCall       `json:"call"`
	Result                    ToolCallResult `json:"result"`
	ExecutionTimeMs           int64          `json:"executionTimeMs"`
	AssociatedReasoningItemID string         `json:"associatedReasoningItemId,omitempty"`
	LLMRequestStartEventIndex *int           `json:"llmRequestStartEventIndex,omitempty"`
}

// CodemodeToolCallsData records the inner tool calls performed by one
// codemode evaluation. The reducer keeps them as output samples for future
// surface generation.
type CodemodeToolCallsData struct {
	Calls []RecordedToolCall `json:"calls"`
}

// PauseLLMRequestsData pauses triggering, optionally with a reason (the
// infinite-loop failsafe sets one).
type PauseLLMRequestsData struct {
	Reason string `json:"reason,omitempty"`
}

// ResumeLLMRequestsData clears the paused flag.
type ResumeLLMRequestsData struct{}

// FileSharedData records a file moving between the user and the agent.
type FileSharedData struct {
	FileID         string         `json:"fileId"`
	ProviderFileID string         `json:"providerFileId,omitempty"`
	Filename       string         `json:"filename,omitempty"`
	MimeType       string         `json:"mimeType,omitempty"`
	Direction      string         `json:"direction"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Directions for FileSharedData.
const (
	FileFromAgentToUser = "from-agent-to-user"
	FileFromUserToAgent = "from-user-to-agent"
)

// MessageFromAgentData records a message the agent sent to the outside
// world through a host channel.
type MessageFromAgentData struct {
	Text    string `json:"text"`
	Channel string `json:"channel,omitempty"`
}

// ParticipantJoinedData adds a participant to the conversation.
type ParticipantJoinedData struct {
	Participant Participant `json:"participant"`
}

// ParticipantLeftData removes a participant by user id.
type ParticipantLeftData struct {
	UserID string `json:"userId"`
}

// ParticipantMentionedData marks a participant as mentioned; it also upserts
// them into the participant set.
type ParticipantMentionedData struct {
	Participant Participant `json:"participant"`
}

// ToolCallApprovalRequestedData opens a pending approval for a suspended
// tool call.
type ToolCallApprovalRequestedData struct {
	ApprovalKey string         `json:"approvalKey"`
	ToolName    string         `json:"toolName"`
	Args        map[string]any `json:"args,omitempty"`
	ToolCallID  string         `json:"toolCallId"`
}

// ToolCallApprovedData resolves a pending approval.
type ToolCallApprovedData struct {
	ApprovalKey string `json:"approvalKey"`
	Approved    bool   `json:"approved"`
}

// InternalErrorData captures a failure the engine converted into an event:
// the message, a stack, and (for ingress failures) the rejected batch.
type InternalErrorData struct {
	Error          string          `json:"error"`
	Stack          string          `json:"stack,omitempty"`
	RejectedEvents json.RawMessage `json:"rejectedEvents,omitempty"`
}

// LogData is a free-form diagnostic event.
type LogData struct {
	Message string         `json:"msg"`
	Level   string         `json:"level,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// BackgroundTaskProgressData reports progress of a host background task.
type BackgroundTaskProgressData struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}
