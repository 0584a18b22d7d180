// Package llm defines the engine's contract with the LLM provider: a
// client that opens streaming Responses-API requests, and the chunk model
// the stream parser consumes. The openai adapter in this package is the
// production implementation; tests use scripted fakes.
package llm

import "context"

// Chunk types the engine acts on. Everything else is forwarded verbatim to
// the host's streaming observer.
const (
	ChunkOutputItemDone    = "response.output_item.done"
	ChunkResponseCompleted = "response.completed"
)

// Request is the responses-API parameter set for one streaming call.
type Request struct {
	// Model is the provider model id.
	Model string

	// Instructions is the concatenated system prompt and ephemeral
	// fragments.
	Instructions string

	// Input is the sorted transcript.
	Input []map[string]any

	// Tools are provider tool definitions.
	Tools []map[string]any

	// ToolChoice is the provider tool-choice policy, if any.
	ToolChoice any

	// ParallelToolCalls is always true for engine requests.
	ParallelToolCalls bool

	// Extra carries remaining model options verbatim.
	Extra map[string]any
}

// ToMap renders the request as the JSON body sent to the provider. This is
// also the shape stored in LLM_REQUEST_START events.
func (r Request) ToMap() map[string]any {
	body := map[string]any{
		"model":               r.Model,
		"instructions":        r.Instructions,
		"input":               r.Input,
		"parallel_tool_calls": r.ParallelToolCalls,
	}
	if len(r.Tools) > 0 {
		body["tools"] = r.Tools
	}
	if r.ToolChoice != nil {
		body["tool_choice"] = r.ToolChoice
	}
	for k, v := range r.Extra {
		if _, taken := body[k]; !taken {
			body[k] = v
		}
	}
	return body
}

// Chunk is one provider stream event.
type Chunk struct {
	// Type is the provider event type.
	Type string

	// Item is the completed output item for output_item.done chunks.
	Item map[string]any

	// Response is the final response object for response.completed
	// chunks.
	Response map[string]any

	// Raw is the full event payload.
	Raw map[string]any
}

// Stream yields chunks from one streaming request. Close is safe to call
// more than once.
type Stream interface {
	// Next advances to the next chunk, reporting false at end of stream
	// or on error.
	Next() bool

	// Current returns the chunk Next advanced to.
	Current() Chunk

	// Err returns the terminal stream error, if any.
	Err() error

	// Close releases the underlying connection.
	Close() error
}

// Client opens streaming LLM requests. Acquired per run through the host's
// GetLLMClient dependency.
type Client interface {
	StreamResponse(ctx context.Context, req Request) (Stream, error)
}
