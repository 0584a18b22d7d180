package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"log/slog"

	"github.com/convoyai/convoy/internal/llm"
	"github.com/convoyai/convoy/pkg/models"
)

// testHost records host interactions without side effects. Background
// tasks are captured, not run; tests run them explicitly so LLM requests
// stay live deterministically.
type testHost struct {
	mu     sync.Mutex
	stored [][]models.Event
	tasks  []backgroundTask

	client llm.Client
	tools  map[string]models.ToolFunc

	onEventAdded []models.Event
	chunks       []StreamChunk
}

type backgroundTask struct {
	name string
	fn   func(ctx context.Context) error
}

func (h *testHost) hosts() Hosts {
	return Hosts{
		StoreEvents: func(_ context.Context, events []models.Event) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.stored = append(h.stored, events)
			return nil
		},
		Background: func(name string, fn func(ctx context.Context) error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.tasks = append(h.tasks, backgroundTask{name: name, fn: fn})
		},
		GetLLMClient: func(context.Context) (llm.Client, error) {
			if h.client == nil {
				return nil, errors.New("no client scripted")
			}
			return h.client, nil
		},
		ResolveTools: func(_ context.Context, specs []models.ToolSpec) ([]models.RuntimeTool, error) {
			tools := make([]models.RuntimeTool, 0, len(specs))
			for _, spec := range specs {
				tools = append(tools, models.RuntimeTool{
					Kind:    models.ToolKindFunction,
					Spec:    spec,
					Execute: h.tools[spec.Name],
				})
			}
			return tools, nil
		},
		GetRuleMatchData: func(_ context.Context, state models.State) (any, error) {
			return map[string]any{"metadata": state.Metadata}, nil
		},
		OnEventAdded: func(_ context.Context, event models.Event, _ models.State) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.onEventAdded = append(h.onEventAdded, event)
		},
		OnStreamChunk: func(_ context.Context, chunk StreamChunk) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.chunks = append(h.chunks, chunk)
		},
	}
}

// drainTasks runs and clears every captured background task.
func (h *testHost) drainTasks(t *testing.T, ctx context.Context) {
	t.Helper()
	for {
		h.mu.Lock()
		if len(h.tasks) == 0 {
			h.mu.Unlock()
			return
		}
		task := h.tasks[0]
		h.tasks = h.tasks[1:]
		h.mu.Unlock()
		if err := task.fn(ctx); err != nil {
			t.Fatalf("background task %s: %v", task.name, err)
		}
	}
}

func (h *testHost) taskCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}

func (h *testHost) storeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.stored)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, host *testHost, slices ...Slice) *Engine {
	t.Helper()
	en, err := New(host.hosts(), Config{Logger: quietLogger()}, slices...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := en.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return en
}

func inputItemEvent(text string, trigger bool) models.Event {
	e := models.NewEvent(models.EventLLMInputItem, map[string]any{
		"type": "message",
		"role": "user",
		"content": []any{
			map[string]any{"type": "input_text", "text": text},
		},
	})
	e.TriggerLLMRequest = trigger
	return e
}

// Empty initialization appends the INITIALIZED_WITH_EVENTS marker at index
// 0, so user events land one index later than a marker-free log would put
// them.
func TestTriggerAndSupersede(t *testing.T) {
	host := &testHost{}
	en := newTestEngine(t, host)
	ctx := context.Background()

	added, err := en.AddEvents(ctx,
		models.NewEvent(models.EventSetSystemPrompt, models.SetSystemPromptData{Prompt: "hi"}),
		inputItemEvent("ping", true),
	)
	if err != nil {
		t.Fatalf("AddEvents: %v", err)
	}
	if len(added) != 2 {
		t.Fatalf("admitted %d events, want 2", len(added))
	}

	events := en.Events()
	if got := events[1].Type; got != models.EventSetSystemPrompt {
		t.Errorf("events[1].Type = %s, want SET_SYSTEM_PROMPT", got)
	}
	if got := events[3].Type; got != models.EventLLMRequestStart {
		t.Fatalf("events[3].Type = %s, want LLM_REQUEST_START", got)
	}
	st := en.ReducedState()
	if st.LLMRequestStartedAtIndex == nil || *st.LLMRequestStartedAtIndex != 3 {
		t.Fatalf("llmRequestStartedAtIndex = %v, want 3", st.LLMRequestStartedAtIndex)
	}
	if host.taskCount() != 1 {
		t.Fatalf("background tasks = %d, want 1", host.taskCount())
	}

	// A second trigger supersedes the live request.
	if _, err := en.AddEvents(ctx, inputItemEvent("ping again", true)); err != nil {
		t.Fatalf("AddEvents: %v", err)
	}
	events = en.Events()
	cancel := events[5]
	if cancel.Type != models.EventLLMRequestCancel {
		t.Fatalf("events[5].Type = %s, want LLM_REQUEST_CANCEL", cancel.Type)
	}
	data, err := models.Decode[models.LLMRequestCancelData](cancel.Data)
	if err != nil {
		t.Fatalf("decode cancel data: %v", err)
	}
	if want := "#3 superseded by #5"; data.Reason != want {
		t.Errorf("cancel reason = %q, want %q", data.Reason, want)
	}
	if got := events[6].Type; got != models.EventLLMRequestStart {
		t.Errorf("events[6].Type = %s, want LLM_REQUEST_START", got)
	}
	st = en.ReducedState()
	if st.LLMRequestStartedAtIndex == nil || *st.LLMRequestStartedAtIndex != 6 {
		t.Errorf("llmRequestStartedAtIndex = %v, want 6", st.LLMRequestStartedAtIndex)
	}
}

func TestPauseSuppressesTrigger(t *testing.T) {
	host := &testHost{}
	en := newTestEngine(t, host)

	_, err := en.AddEvents(context.Background(),
		models.NewEvent(models.EventPauseLLMRequests, models.PauseLLMRequestsData{}),
		inputItemEvent("ping", true),
	)
	if err != nil {
		t.Fatalf("AddEvents: %v", err)
	}

	for _, e := range en.Events() {
		if e.Type == models.EventLLMRequestStart {
			t.Fatal("LLM_REQUEST_START appended while paused")
		}
	}
	st := en.ReducedState()
	if st.TriggerLLMRequest {
		t.Error("triggerLLMRequest still set")
	}
	if !st.Paused {
		t.Error("paused not set")
	}
}

func TestIdempotencyKey(t *testing.T) {
	host := &testHost{}
	en := newTestEngine(t, host)
	ctx := context.Background()

	logEvent := models.NewEvent(models.EventLog, models.LogData{Message: "a"})
	logEvent.IdempotencyKey = "k1"

	added, err := en.AddEvents(ctx, logEvent)
	if err != nil {
		t.Fatalf("AddEvents: %v", err)
	}
	if len(added) != 1 {
		t.Fatalf("first call admitted %d events, want 1", len(added))
	}
	before := len(en.Events())

	added, err = en.AddEvents(ctx, logEvent)
	if err != nil {
		t.Fatalf("AddEvents: %v", err)
	}
	if len(added) != 0 {
		t.Errorf("second call admitted %d events, want 0", len(added))
	}
	if got := len(en.Events()); got != before {
		t.Errorf("log length = %d, want %d", got, before)
	}
}

func TestReasoningCoupledToolCallOrdering(t *testing.T) {
	host := &testHost{}
	en := newTestEngine(t, host)
	ctx := context.Background()

	_, err := en.AddEvents(ctx,
		models.NewEvent(models.EventLLMOutputItem, map[string]any{
			"type": "reasoning", "id": "r1",
		}),
		models.NewEvent(models.EventLocalFunctionToolCall, models.LocalFunctionToolCallData{
			Call:                      models.ToolCall{CallID: "c1", Name: "lookup", Arguments: "{}"},
			Result:                    models.ToolCallResult{Success: true, Output: "ok"},
			AssociatedReasoningItemID: "r1",
		}),
	)
	if err != nil {
		t.Fatalf("AddEvents: %v", err)
	}

	st := en.ReducedState()
	if len(st.InputItems) != 3 {
		t.Fatalf("input items = %d, want 3", len(st.InputItems))
	}
	call, output := st.InputItems[1], st.InputItems[2]
	if !call.Scored || call.SortScore != 0.1 {
		t.Errorf("call sort score = %v (scored=%v), want 0.1", call.SortScore, call.Scored)
	}
	if !output.Scored || output.SortScore != 0.2 {
		t.Errorf("output sort score = %v (scored=%v), want 0.2", output.SortScore, output.Scored)
	}

	input := sortedInput(st.InputItems)
	wantTypes := []string{"reasoning", "function_call", "function_call_output"}
	for i, want := range wantTypes {
		if got := itemType(input[i]); got != want {
			t.Errorf("input[%d].type = %s, want %s", i, got, want)
		}
	}
}

func TestDanglingReasoningReferenceRollsBack(t *testing.T) {
	host := &testHost{}
	en := newTestEngine(t, host)

	_, err := en.AddEvents(context.Background(),
		models.NewEvent(models.EventLocalFunctionToolCall, models.LocalFunctionToolCallData{
			Call:                      models.ToolCall{CallID: "c1", Name: "lookup"},
			Result:                    models.ToolCallResult{Success: true},
			AssociatedReasoningItemID: "missing",
		}),
	)
	if err == nil {
		t.Fatal("expected error for dangling reasoning reference")
	}
	events := en.Events()
	last := events[len(events)-1]
	if last.Type != models.EventInternalError {
		t.Errorf("last event = %s, want INTERNAL_ERROR", last.Type)
	}
	if got := len(en.ReducedState().InputItems); got != 0 {
		t.Errorf("input items after rollback = %d, want 0", got)
	}
}

func TestRunawayFailsafe(t *testing.T) {
	host := &testHost{}
	en := newTestEngine(t, host)
	ctx := context.Background()

	batch := []models.Event{
		models.NewEvent(models.EventLLMInputItem, map[string]any{
			"type": "message",
			"role": "developer",
			"content": []any{
				map[string]any{"type": "input_text", "text": "User message: hello"},
			},
		}),
	}
	for i := 0; i < 10; i++ {
		batch = append(batch, models.NewEvent(models.EventLLMOutputItem, map[string]any{
			"type":      "function_call",
			"call_id":   fmt.Sprintf("c%d", i),
			"name":      DefaultUserFacingMessageTool,
			"arguments": "{}",
		}))
	}
	batch = append(batch, inputItemEvent("more", true))

	if _, err := en.AddEvents(ctx, batch...); err != nil {
		t.Fatalf("AddEvents: %v", err)
	}

	var paused bool
	for _, e := range en.Events() {
		switch e.Type {
		case models.EventLLMRequestStart:
			t.Fatal("LLM_REQUEST_START appended despite failsafe")
		case models.EventPauseLLMRequests:
			paused = true
		}
	}
	if !paused {
		t.Error("no PAUSE_LLM_REQUESTS appended")
	}
	if !en.ReducedState().Paused {
		t.Error("state not paused")
	}
}

func TestRollbackOnSliceFailure(t *testing.T) {
	boom := errors.New("boom")
	bad := Slice{
		Name: "x",
		Reduce: func(_ models.State, _ map[string]any, e models.Event) (any, error) {
			if e.Type == "X:BAD" {
				return nil, boom
			}
			return nil, nil
		},
	}
	host := &testHost{}
	en := newTestEngine(t, host, bad)

	before := len(en.Events())
	_, err := en.AddEvents(context.Background(),
		models.NewEvent(models.EventSetSystemPrompt, models.SetSystemPromptData{Prompt: "p"}),
		models.Event{Type: "X:BAD"},
	)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}

	events := en.Events()
	if got := len(events); got != before+1 {
		t.Fatalf("log length = %d, want %d (rolled-back batch plus INTERNAL_ERROR)", got, before+1)
	}
	last := events[len(events)-1]
	if last.Type != models.EventInternalError {
		t.Fatalf("last event = %s, want INTERNAL_ERROR", last.Type)
	}
	data, err := models.Decode[models.InternalErrorData](last.Data)
	if err != nil {
		t.Fatalf("decode internal error: %v", err)
	}
	if !strings.Contains(string(data.RejectedEvents), "X:BAD") {
		t.Error("rejected batch not embedded in INTERNAL_ERROR")
	}
	if got := en.ReducedState().SystemPrompt; got != "" {
		t.Errorf("systemPrompt = %q, want empty after rollback", got)
	}
}

func TestUnknownCoreEventRejected(t *testing.T) {
	host := &testHost{}
	en := newTestEngine(t, host)

	_, err := en.AddEvents(context.Background(), models.Event{Type: "CORE:NOT_A_THING"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestLifecycleGuards(t *testing.T) {
	host := &testHost{}
	en, err := New(host.hosts(), Config{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := en.AddEvents(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("AddEvents before init: err = %v, want ErrNotInitialized", err)
	}
	if err := en.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := en.Initialize(context.Background(), nil); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Initialize: err = %v, want ErrAlreadyInitialized", err)
	}
}

func TestCrashRecoveryRelaunch(t *testing.T) {
	host := &testHost{}
	en, err := New(host.hosts(), Config{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	existing := []models.Event{
		models.NewEvent(models.EventSetSystemPrompt, models.SetSystemPromptData{Prompt: "hi"}),
		models.NewEvent(models.EventLLMRequestStart, models.LLMRequestStartData{}),
	}
	for i := range existing {
		existing[i].EventIndex = i
	}
	if err := en.Initialize(context.Background(), existing); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !en.LLMRequestInProgress() {
		t.Fatal("request not live after replaying unmatched START")
	}
	if host.taskCount() != 1 {
		t.Fatalf("background tasks = %d, want 1 (relaunched run)", host.taskCount())
	}
}

func TestReducedStateAtMatchesCurrent(t *testing.T) {
	host := &testHost{}
	en := newTestEngine(t, host)
	ctx := context.Background()

	_, err := en.AddEvents(ctx,
		models.NewEvent(models.EventSetSystemPrompt, models.SetSystemPromptData{Prompt: "p"}),
		models.NewEvent(models.EventAddLabel, models.AddLabelData{Label: "vip"}),
		models.NewEvent(models.EventSetMetadata, map[string]any{"a": map[string]any{"b": float64(1)}}),
		inputItemEvent("hello", false),
	)
	if err != nil {
		t.Fatalf("AddEvents: %v", err)
	}

	replayed, err := en.ReducedStateAt(len(en.Events()) - 1)
	if err != nil {
		t.Fatalf("ReducedStateAt: %v", err)
	}
	current := en.ReducedState()
	if replayed.SystemPrompt != current.SystemPrompt {
		t.Errorf("systemPrompt: replay %q vs current %q", replayed.SystemPrompt, current.SystemPrompt)
	}
	if len(replayed.InputItems) != len(current.InputItems) {
		t.Errorf("inputItems: replay %d vs current %d", len(replayed.InputItems), len(current.InputItems))
	}
	if fmt.Sprint(replayed.Metadata) != fmt.Sprint(current.Metadata) {
		t.Errorf("metadata: replay %v vs current %v", replayed.Metadata, current.Metadata)
	}
}

func TestPersistAlwaysRuns(t *testing.T) {
	host := &testHost{}
	en := newTestEngine(t, host)

	storesBefore := host.storeCount()
	_, err := en.AddEvents(context.Background(), models.Event{Type: "CORE:NOT_A_THING"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if got := host.storeCount(); got != storesBefore+1 {
		t.Errorf("stores = %d, want %d (persist runs on failure paths)", got, storesBefore+1)
	}
}

func TestOnEventAddedOrder(t *testing.T) {
	host := &testHost{}
	en := newTestEngine(t, host)

	host.mu.Lock()
	host.onEventAdded = nil
	host.mu.Unlock()

	_, err := en.AddEvents(context.Background(),
		models.NewEvent(models.EventSetSystemPrompt, models.SetSystemPromptData{Prompt: "a"}),
		models.NewEvent(models.EventAddLabel, models.AddLabelData{Label: "x"}),
	)
	if err != nil {
		t.Fatalf("AddEvents: %v", err)
	}

	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.onEventAdded) != 2 {
		t.Fatalf("onEventAdded fired %d times, want 2", len(host.onEventAdded))
	}
	if host.onEventAdded[0].Type != models.EventSetSystemPrompt ||
		host.onEventAdded[1].Type != models.EventAddLabel {
		t.Errorf("callback order = %s, %s", host.onEventAdded[0].Type, host.onEventAdded[1].Type)
	}
	if host.onEventAdded[0].EventIndex+1 != host.onEventAdded[1].EventIndex {
		t.Error("callback events not in index order")
	}
}
