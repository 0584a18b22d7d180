package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/convoyai/convoy/internal/llm"
	"github.com/convoyai/convoy/pkg/models"
)

// collector turns one provider stream into the ordered event batch handed
// to AddEvents when the stream completes. Function calls and image uploads
// run asynchronously; their slots in the order are held by futures that
// flush resolves in arrival order, so the final batch preserves
// provider-imposed ordering with LLM_REQUEST_END last.
type collector struct {
	en        *Engine
	thisIndex int

	entries []collectEntry
	end     *models.Event

	// lastItemID / lastItemReasoning track the most recent
	// non-function-call output item, for reasoning↔call coupling.
	lastItemID        string
	lastItemReasoning bool

	active atomic.Int32
}

type collectEntry struct {
	events []models.Event
	future chan futureResult
}

type futureResult struct {
	events []models.Event
	err    error
}

func newCollector(en *Engine, thisIndex int) *collector {
	return &collector{en: en, thisIndex: thisIndex}
}

func (c *collector) handle(ctx context.Context, chunk llm.Chunk) {
	switch chunk.Type {
	case llm.ChunkOutputItemDone:
		c.handleItem(ctx, chunk.Item)

	case llm.ChunkResponseCompleted:
		e := models.NewEvent(models.EventLLMRequestEnd,
			models.LLMRequestEndData{RawResponse: chunk.Response})
		c.end = &e

	default:
		if c.en.hosts.OnStreamChunk != nil {
			c.en.hosts.OnStreamChunk(ctx, StreamChunk{
				Chunk:               chunk,
				BatchID:             c.thisIndex,
				ActiveFunctionCalls: int(c.active.Load()),
			})
		}
	}
}

func (c *collector) handleItem(ctx context.Context, item map[string]any) {
	switch itemType(item) {
	case "function_call":
		call := models.ToolCall{
			ID:        str(item, "id"),
			CallID:    str(item, "call_id"),
			Name:      str(item, "name"),
			Arguments: str(item, "arguments"),
		}
		reasoningID := ""
		if c.lastItemReasoning {
			reasoningID = c.lastItemID
		}
		c.spawn(func() futureResult {
			return futureResult{events: c.invokeToolCall(ctx, call, reasoningID)}
		})

	case "image_generation_call":
		if str(item, "status") != "completed" {
			return
		}
		c.lastItemID, c.lastItemReasoning = str(item, "id"), false
		c.spawn(func() futureResult {
			return c.uploadImage(ctx, item)
		})

	default:
		c.lastItemID = str(item, "id")
		c.lastItemReasoning = itemType(item) == "reasoning"
		c.entries = append(c.entries, collectEntry{
			events: []models.Event{{Type: models.EventLLMOutputItem, Data: models.MustEncode(item)}},
		})
	}
}

// spawn reserves the next slot in the output order and runs fn on its own
// goroutine. The recover keeps a panicking future from wedging flush.
func (c *collector) spawn(fn func() futureResult) {
	future := make(chan futureResult, 1)
	c.entries = append(c.entries, collectEntry{future: future})
	c.active.Add(1)
	go func() {
		defer c.active.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				future <- futureResult{err: fmt.Errorf("stream future panicked: %v", r)}
			}
		}()
		future <- fn()
	}()
}

func (c *collector) invokeToolCall(ctx context.Context, call models.ToolCall, reasoningID string) []models.Event {
	started := time.Now()
	outcome := c.en.TryInvokeLocalFunctionTool(ctx, call)

	startIndex := c.thisIndex
	event := models.NewEvent(models.EventLocalFunctionToolCall, models.LocalFunctionToolCallData{
		Call:                      call,
		Result:                    outcome.Result,
		ExecutionTimeMs:           time.Since(started).Milliseconds(),
		AssociatedReasoningItemID: reasoningID,
		LLMRequestStartEventIndex: &startIndex,
	})
	event.TriggerLLMRequest = true
	if outcome.TriggerLLMRequest != nil {
		event.TriggerLLMRequest = *outcome.TriggerLLMRequest
	}
	return append([]models.Event{event}, outcome.AddEvents...)
}

// uploadImage decodes the generated image, stores it through the host, and
// yields a FILE_SHARED event. The base64 payload never reaches the log.
func (c *collector) uploadImage(ctx context.Context, item map[string]any) futureResult {
	if c.en.hosts.UploadFile == nil {
		return futureResult{err: fmt.Errorf("image generated but no file upload host is configured")}
	}
	content, err := base64.StdEncoding.DecodeString(str(item, "result"))
	if err != nil {
		return futureResult{err: fmt.Errorf("decode generated image: %w", err)}
	}

	providerFileID := str(item, "id")
	format := str(item, "output_format")
	if format == "" {
		format = "png"
	}
	metadata := make(map[string]any, len(item))
	for k, v := range item {
		if k != "result" {
			metadata[k] = v
		}
	}

	uploaded, err := c.en.hosts.UploadFile(ctx, UploadFileRequest{
		Content:       content,
		Filename:      fmt.Sprintf("%s.%s", providerFileID, format),
		ContentLength: len(content),
		MimeType:      "image/" + format,
		Metadata:      metadata,
	})
	if err != nil {
		return futureResult{err: fmt.Errorf("upload generated image: %w", err)}
	}

	return futureResult{events: []models.Event{
		models.NewEvent(models.EventFileShared, models.FileSharedData{
			FileID:         uploaded.FileID,
			ProviderFileID: providerFileID,
			Filename:       fmt.Sprintf("%s.%s", providerFileID, format),
			MimeType:       "image/" + format,
			Direction:      models.FileFromAgentToUser,
			Metadata:       metadata,
		}),
	}}
}

// flush resolves every entry in arrival order and returns the batch, with
// LLM_REQUEST_END appended last when the stream completed.
func (c *collector) flush(ctx context.Context) ([]models.Event, error) {
	var out []models.Event
	for _, entry := range c.entries {
		if entry.future == nil {
			out = append(out, entry.events...)
			continue
		}
		select {
		case res := <-entry.future:
			if res.err != nil {
				return nil, res.err
			}
			out = append(out, res.events...)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.end != nil {
		out = append(out, *c.end)
	}
	return out, nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
