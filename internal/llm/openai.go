package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

// OpenAIClient implements Client over the official OpenAI SDK's Responses
// API. The engine-assembled body (instructions, input, tools) is injected
// as raw JSON so arbitrary model options pass through untouched.
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient builds a client from an API key. An empty key returns an
// error rather than a client that fails on first use.
func NewOpenAIClient(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	return &OpenAIClient{client: openai.NewClient(option.WithAPIKey(apiKey))}, nil
}

// NewOpenAIClientFrom wraps an already-configured SDK client.
func NewOpenAIClientFrom(client openai.Client) *OpenAIClient {
	return &OpenAIClient{client: client}
}

// StreamResponse opens a streaming responses call.
func (c *OpenAIClient) StreamResponse(ctx context.Context, req Request) (Stream, error) {
	if req.Model == "" {
		return nil, errors.New("model is required")
	}
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(req.Model),
	}

	opts := make([]option.RequestOption, 0, 8)
	body := req.ToMap()
	delete(body, "model")
	for key, value := range body {
		opts = append(opts, option.WithJSONSet(key, value))
	}

	stream := c.client.Responses.NewStreaming(ctx, params, opts...)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("open responses stream: %w", err)
	}
	return &openaiStream{stream: stream}, nil
}

type openaiStream struct {
	stream  *ssestream.Stream[responses.ResponseStreamEventUnion]
	current Chunk
}

func (s *openaiStream) Next() bool {
	if !s.stream.Next() {
		return false
	}
	s.current = toChunk(s.stream.Current())
	return true
}

func (s *openaiStream) Current() Chunk { return s.current }

func (s *openaiStream) Err() error { return s.stream.Err() }

func (s *openaiStream) Close() error { return s.stream.Close() }

func toChunk(ev responses.ResponseStreamEventUnion) Chunk {
	chunk := Chunk{Type: string(ev.Type)}
	chunk.Raw = rawMap(ev.RawJSON())
	switch chunk.Type {
	case ChunkOutputItemDone:
		chunk.Item = rawMap(ev.Item.RawJSON())
	case ChunkResponseCompleted:
		chunk.Response = rawMap(ev.Response.RawJSON())
	}
	return chunk
}

func rawMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
