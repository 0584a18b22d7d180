// Package models provides the domain types for the Convoy agent runtime:
// the event model, reduced and augmented conversation state, tool calls and
// results, context rules, and approvals.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// CoreNamespace is the namespace prefix of engine-owned event types.
const CoreNamespace = "CORE"

// Core event types. The set is closed: the engine rejects unknown "CORE:"
// discriminants at ingress. Slice events use their own namespace prefix.
const (
	EventInitializedWithEvents     = "CORE:INITIALIZED_WITH_EVENTS"
	EventSetSystemPrompt           = "CORE:SET_SYSTEM_PROMPT"
	EventAddContextRules           = "CORE:ADD_CONTEXT_RULES"
	EventSetModelOpts              = "CORE:SET_MODEL_OPTS"
	EventSetMetadata               = "CORE:SET_METADATA"
	EventAddLabel                  = "CORE:ADD_LABEL"
	EventLLMInputItem              = "CORE:LLM_INPUT_ITEM"
	EventLLMOutputItem             = "CORE:LLM_OUTPUT_ITEM"
	EventLLMRequestStart           = "CORE:LLM_REQUEST_START"
	EventLLMRequestEnd             = "CORE:LLM_REQUEST_END"
	EventLLMRequestCancel          = "CORE:LLM_REQUEST_CANCEL"
	EventLocalFunctionToolCall     = "CORE:LOCAL_FUNCTION_TOOL_CALL"
	EventCodemodeToolCalls         = "CORE:CODEMODE_TOOL_CALLS"
	EventPauseLLMRequests          = "CORE:PAUSE_LLM_REQUESTS"
	EventResumeLLMRequests         = "CORE:RESUME_LLM_REQUESTS"
	EventFileShared                = "CORE:FILE_SHARED"
	EventMessageFromAgent          = "CORE:MESSAGE_FROM_AGENT"
	EventParticipantJoined         = "CORE:PARTICIPANT_JOINED"
	EventParticipantLeft           = "CORE:PARTICIPANT_LEFT"
	EventParticipantMentioned      = "CORE:PARTICIPANT_MENTIONED"
	EventToolCallApprovalRequested = "CORE:TOOL_CALL_APPROVAL_REQUESTED"
	EventToolCallApproved          = "CORE:TOOL_CALL_APPROVED"
	EventInternalError             = "CORE:INTERNAL_ERROR"
	EventLog                       = "CORE:LOG"
	EventBackgroundTaskProgress    = "CORE:BACKGROUND_TASK_PROGRESS"
)

// Event is the atom of a conversation log. Events are immutable once
// appended: EventIndex and CreatedAt are assigned by the log at append time
// and never rewritten.
type Event struct {
	// Type is the discriminant, namespaced "CORE:…" for engine events and
	// "<SLICE>:…" for slice events.
	Type string `json:"type"`

	// Data is the type-specific payload, validated against the registered
	// schema for Type at ingress.
	Data json.RawMessage `json:"data,omitempty"`

	// Metadata is a free-form map carried alongside the payload.
	Metadata map[string]any `json:"metadata,omitempty"`

	// EventIndex is the position in the log, assigned at append time.
	// Dense: events[i].EventIndex == i.
	EventIndex int `json:"eventIndex"`

	// CreatedAt is assigned at append time when zero. Nondecreasing
	// within a log.
	CreatedAt time.Time `json:"createdAt"`

	// TriggerLLMRequest requests an LLM request at the end of the batch
	// this event arrives in.
	TriggerLLMRequest bool `json:"triggerLLMRequest,omitempty"`

	// IdempotencyKey, when non-empty, suppresses a second append of the
	// same logical event.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Namespace returns the part of the type before the first colon, or the
// whole type when there is none.
func (e Event) Namespace() string {
	if i := strings.IndexByte(e.Type, ':'); i >= 0 {
		return e.Type[:i]
	}
	return e.Type
}

// IsCore reports whether the event belongs to the engine's own namespace.
func (e Event) IsCore() bool {
	return e.Namespace() == CoreNamespace
}

// Clone returns a deep copy of the event. The payload bytes are duplicated
// so callers can never alias stored log entries.
func (e Event) Clone() Event {
	out := e
	if e.Data != nil {
		out.Data = append(json.RawMessage(nil), e.Data...)
	}
	out.Metadata = deepCopyMap(e.Metadata)
	return out
}

// NewEvent builds an event with an encoded payload. It panics when the
// payload cannot be marshalled; payload types in this package always can.
func NewEvent(eventType string, payload any) Event {
	return Event{Type: eventType, Data: MustEncode(payload)}
}

// MustEncode marshals a payload to JSON, panicking on failure. Payloads are
// engine-owned structs and maps; a marshal failure is a programming error.
func MustEncode(payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		panic("models: encode payload: " + err.Error())
	}
	return raw
}

// Decode unmarshals an event payload into T. A nil payload decodes to the
// zero value.
func Decode[T any](data json.RawMessage) (T, error) {
	var out T
	if len(data) == 0 {
		return out, nil
	}
	err := json.Unmarshal(data, &out)
	return out, err
}
