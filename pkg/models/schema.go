package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschemagen "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownCoreEvent is returned when an event in the CORE namespace does
// not match any registered discriminant. The core set is closed.
var ErrUnknownCoreEvent = errors.New("unknown CORE event type")

// SchemaRegistry validates event payloads against the combined schema: the
// core payload schemas plus any slice-registered schemas, discriminated on
// the event type.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns a registry with every core event schema
// registered.
func NewSchemaRegistry() *SchemaRegistry {
	r := &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
	for eventType, payload := range corePayloads() {
		r.schemas[eventType] = mustReflectSchema(eventType, payload)
	}
	// Free-form payloads: provider items and metadata merges accept any
	// JSON object.
	for _, eventType := range []string{EventLLMInputItem, EventLLMOutputItem, EventSetMetadata} {
		r.schemas[eventType] = mustCompile(eventType, `{"type":"object"}`)
	}
	return r
}

// Register adds (or replaces) the schema for a slice event type. The schema
// is JSON Schema source text.
func (r *SchemaRegistry) Register(eventType string, schemaJSON string) error {
	compiled, err := jsonschema.CompileString(schemaURL(eventType), schemaJSON)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", eventType, err)
	}
	r.mu.Lock()
	r.schemas[eventType] = compiled
	r.mu.Unlock()
	return nil
}

// RegisterType reflects a Go payload type into a schema for the event type.
func (r *SchemaRegistry) RegisterType(eventType string, payload any) {
	compiled := mustReflectSchema(eventType, payload)
	r.mu.Lock()
	r.schemas[eventType] = compiled
	r.mu.Unlock()
}

// Validate checks the event payload against the registered schema for its
// type. The returned recognized flag is false when the event belongs to a
// slice namespace with no registered schema; such events are kept (reducers
// that do not recognize them pass through) but the caller should warn.
// Unknown CORE discriminants are an error.
func (r *SchemaRegistry) Validate(e Event) (recognized bool, err error) {
	r.mu.RLock()
	schema, ok := r.schemas[e.Type]
	r.mu.RUnlock()
	if !ok {
		if e.IsCore() {
			return false, fmt.Errorf("%w: %s", ErrUnknownCoreEvent, e.Type)
		}
		return false, nil
	}
	var decoded any
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &decoded); err != nil {
			return true, fmt.Errorf("event %s payload is not valid JSON: %w", e.Type, err)
		}
	} else {
		decoded = map[string]any{}
	}
	if err := schema.Validate(decoded); err != nil {
		return true, fmt.Errorf("event %s payload invalid: %w", e.Type, err)
	}
	return true, nil
}

func corePayloads() map[string]any {
	return map[string]any{
		EventInitializedWithEvents:     InitializedWithEventsData{},
		EventSetSystemPrompt:           SetSystemPromptData{},
		EventAddContextRules:           AddContextRulesData{},
		EventSetModelOpts:              SetModelOptsData{},
		EventAddLabel:                  AddLabelData{},
		EventLLMRequestStart:           LLMRequestStartData{},
		EventLLMRequestEnd:             LLMRequestEndData{},
		EventLLMRequestCancel:          LLMRequestCancelData{},
		EventLocalFunctionToolCall:     LocalFunctionToolCallData{},
		EventCodemodeToolCalls:         CodemodeToolCallsData{},
		EventPauseLLMRequests:          PauseLLMRequestsData{},
		EventResumeLLMRequests:         ResumeLLMRequestsData{},
		EventFileShared:                FileSharedData{},
		EventMessageFromAgent:          MessageFromAgentData{},
		EventParticipantJoined:         ParticipantJoinedData{},
		EventParticipantLeft:           ParticipantLeftData{},
		EventParticipantMentioned:      ParticipantMentionedData{},
		EventToolCallApprovalRequested: ToolCallApprovalRequestedData{},
		EventToolCallApproved:          ToolCallApprovedData{},
		EventInternalError:             InternalErrorData{},
		EventLog:                       LogData{},
		EventBackgroundTaskProgress:    BackgroundTaskProgressData{},
	}
}

// mustReflectSchema turns a Go payload struct into a compiled JSON schema.
// Additional properties stay open so payloads can grow without breaking
// older logs.
func mustReflectSchema(name string, payload any) *jsonschema.Schema {
	reflector := jsonschemagen.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	generated := reflector.Reflect(payload)
	raw, err := json.Marshal(generated)
	if err != nil {
		panic("models: marshal schema for " + name + ": " + err.Error())
	}
	return mustCompile(name, string(raw))
}

// schemaURL builds the resource URL a schema is compiled under. Event types
// contain ":", which a URL parser reads as a scheme, so it is replaced here.
func schemaURL(eventType string) string {
	return strings.ReplaceAll(eventType, ":", "/") + ".schema.json"
}

func mustCompile(name, schemaJSON string) *jsonschema.Schema {
	compiled, err := jsonschema.CompileString(schemaURL(name), schemaJSON)
	if err != nil {
		panic("models: compile schema for " + name + ": " + err.Error())
	}
	return compiled
}
