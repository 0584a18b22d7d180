package engine

import (
	"context"
	"reflect"
	"testing"

	"github.com/convoyai/convoy/pkg/models"
)

func reduceAll(t *testing.T, en *Engine, events ...models.Event) models.State {
	t.Helper()
	st := en.initialState()
	for i, e := range events {
		e.EventIndex = i
		next, err := en.reduce(st, e)
		if err != nil {
			t.Fatalf("reduce event %d (%s): %v", i, e.Type, err)
		}
		st = next
	}
	return st
}

func bareEngine(t *testing.T, slices ...Slice) *Engine {
	t.Helper()
	en, err := New((&testHost{}).hosts(), Config{Logger: quietLogger()}, slices...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return en
}

func TestReduceCore(t *testing.T) {
	en := bareEngine(t)

	t.Run("system prompt overwrites", func(t *testing.T) {
		st := reduceAll(t, en,
			models.NewEvent(models.EventSetSystemPrompt, models.SetSystemPromptData{Prompt: "one"}),
			models.NewEvent(models.EventSetSystemPrompt, models.SetSystemPromptData{Prompt: "two"}),
		)
		if st.SystemPrompt != "two" {
			t.Errorf("systemPrompt = %q", st.SystemPrompt)
		}
	})

	t.Run("model opts replace atomically", func(t *testing.T) {
		st := reduceAll(t, en,
			models.NewEvent(models.EventSetModelOpts, models.SetModelOptsData{
				ModelOpts: models.ModelOpts{"model": "m1", "temperature": 0.3},
			}),
			models.NewEvent(models.EventSetModelOpts, models.SetModelOptsData{
				ModelOpts: models.ModelOpts{"model": "m2"},
			}),
		)
		if st.ModelOpts["model"] != "m2" {
			t.Errorf("model = %v", st.ModelOpts["model"])
		}
		if _, ok := st.ModelOpts["temperature"]; ok {
			t.Error("temperature survived a full replace")
		}
	})

	t.Run("metadata deep merges", func(t *testing.T) {
		st := reduceAll(t, en,
			models.NewEvent(models.EventSetMetadata, map[string]any{
				"a": map[string]any{"x": float64(1)}, "keep": "yes",
			}),
			models.NewEvent(models.EventSetMetadata, map[string]any{
				"a": map[string]any{"y": float64(2)},
			}),
		)
		a, _ := st.Metadata["a"].(map[string]any)
		if a["x"] != float64(1) || a["y"] != float64(2) {
			t.Errorf("merged nested map = %v", a)
		}
		if st.Metadata["keep"] != "yes" {
			t.Errorf("sibling key lost: %v", st.Metadata)
		}
	})

	t.Run("labels dedupe preserving order", func(t *testing.T) {
		st := reduceAll(t, en,
			models.NewEvent(models.EventAddLabel, models.AddLabelData{Label: "b"}),
			models.NewEvent(models.EventAddLabel, models.AddLabelData{Label: "a"}),
			models.NewEvent(models.EventAddLabel, models.AddLabelData{Label: "b"}),
		)
		labels, _ := st.Metadata["labels"].([]any)
		if !reflect.DeepEqual(labels, []any{"b", "a"}) {
			t.Errorf("labels = %v, want [b a]", labels)
		}
	})

	t.Run("context rules upsert by key", func(t *testing.T) {
		st := reduceAll(t, en,
			models.NewEvent(models.EventAddContextRules, models.AddContextRulesData{
				Rules: []models.ContextRule{{Key: "r1", Prompt: "old"}},
			}),
			models.NewEvent(models.EventAddContextRules, models.AddContextRulesData{
				Rules: []models.ContextRule{{Key: "r1", Prompt: "new"}, {Key: "r2"}},
			}),
		)
		if len(st.ContextRules) != 2 {
			t.Fatalf("rules = %d, want 2", len(st.ContextRules))
		}
		if st.ContextRules["r1"].Prompt != "new" {
			t.Errorf("r1 prompt = %q", st.ContextRules["r1"].Prompt)
		}
	})

	t.Run("pause clears and drops trigger", func(t *testing.T) {
		trigger := inputItemEvent("x", true)
		st := reduceAll(t, en,
			models.NewEvent(models.EventPauseLLMRequests, models.PauseLLMRequestsData{}),
			trigger,
		)
		if !st.Paused || st.TriggerLLMRequest {
			t.Errorf("paused=%v trigger=%v, want true/false", st.Paused, st.TriggerLLMRequest)
		}
		st = reduceAll(t, en,
			models.NewEvent(models.EventPauseLLMRequests, models.PauseLLMRequestsData{}),
			models.NewEvent(models.EventResumeLLMRequests, models.ResumeLLMRequestsData{}),
			trigger,
		)
		if st.Paused || !st.TriggerLLMRequest {
			t.Errorf("paused=%v trigger=%v, want false/true", st.Paused, st.TriggerLLMRequest)
		}
	})

	t.Run("participants join mention leave", func(t *testing.T) {
		alice := models.Participant{UserID: "u1", Name: "Alice"}
		bob := models.Participant{UserID: "u2", Name: "Bob"}
		st := reduceAll(t, en,
			models.NewEvent(models.EventParticipantJoined, models.ParticipantJoinedData{Participant: alice}),
			models.NewEvent(models.EventParticipantMentioned, models.ParticipantMentionedData{Participant: bob}),
			models.NewEvent(models.EventParticipantLeft, models.ParticipantLeftData{UserID: "u1"}),
		)
		if _, ok := st.Participants["u1"]; ok {
			t.Error("u1 still a participant after leaving")
		}
		if _, ok := st.Participants["u2"]; !ok {
			t.Error("mention did not upsert u2 as participant")
		}
		if _, ok := st.MentionedParticipants["u2"]; !ok {
			t.Error("u2 not in mentioned set")
		}
	})

	t.Run("file shared appends developer message", func(t *testing.T) {
		st := reduceAll(t, en,
			models.NewEvent(models.EventFileShared, models.FileSharedData{
				FileID:    "f1",
				Filename:  "report.pdf",
				Direction: models.FileFromUserToAgent,
			}),
		)
		if len(st.InputItems) != 1 {
			t.Fatalf("input items = %d, want 1", len(st.InputItems))
		}
		if role, _ := st.InputItems[0].Item["role"].(string); role != "developer" {
			t.Errorf("role = %q, want developer", role)
		}
	})

	t.Run("request lifecycle indices", func(t *testing.T) {
		start := models.NewEvent(models.EventLLMRequestStart, models.LLMRequestStartData{})
		end := models.NewEvent(models.EventLLMRequestEnd, models.LLMRequestEndData{})
		st := reduceAll(t, en, inputItemEvent("x", false), start)
		if st.LLMRequestStartedAtIndex == nil || *st.LLMRequestStartedAtIndex != 1 {
			t.Errorf("started index = %v, want 1", st.LLMRequestStartedAtIndex)
		}
		st = reduceAll(t, en, inputItemEvent("x", false), start, end)
		if st.LLMRequestStartedAtIndex != nil {
			t.Errorf("started index = %v, want nil after end", st.LLMRequestStartedAtIndex)
		}
	})

	t.Run("codemode calls recorded as samples", func(t *testing.T) {
		st := reduceAll(t, en,
			models.NewEvent(models.EventCodemodeToolCalls, models.CodemodeToolCallsData{
				Calls: []models.RecordedToolCall{
					{Tool: "alpha", Input: map[string]any{"q": float64(1)}, Output: "a"},
				},
			}),
		)
		if len(st.RecordedToolCalls) != 1 || st.RecordedToolCalls[0].Tool != "alpha" {
			t.Errorf("recorded calls = %+v", st.RecordedToolCalls)
		}
	})
}

func TestStringifyResult(t *testing.T) {
	tests := []struct {
		name   string
		result models.ToolCallResult
		want   string
	}{
		{"error wins", models.ToolCallResult{Error: "boom", Output: "ignored"}, "boom"},
		{"string passes through", models.ToolCallResult{Success: true, Output: "plain"}, "plain"},
		{"object stringifies", models.ToolCallResult{Success: true, Output: map[string]any{"a": 1}}, `{"a":1}`},
		{"nil output", models.ToolCallResult{Success: true}, "null"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stringifyResult(tt.result); got != tt.want {
				t.Errorf("stringifyResult = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSliceReducers(t *testing.T) {
	counter := Slice{
		Name:         "counter",
		InitialState: map[string]any{"count": float64(0)},
		Reduce: func(st models.State, _ map[string]any, e models.Event) (any, error) {
			if e.Type != "COUNTER:INC" {
				return st.Slices["counter"], nil
			}
			part, _ := st.Slices["counter"].(map[string]any)
			count, _ := part["count"].(float64)
			return map[string]any{"count": count + 1}, nil
		},
	}
	mirror := Slice{
		Name:      "mirror",
		DependsOn: []string{"counter"},
		Reduce: func(_ models.State, deps map[string]any, _ models.Event) (any, error) {
			return deps["counter"], nil
		},
	}

	host := &testHost{}
	en, err := New(host.hosts(), Config{Logger: quietLogger()}, counter, mirror)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := en.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := en.AddEvents(context.Background(),
		models.Event{Type: "COUNTER:INC"},
		models.Event{Type: "COUNTER:INC"},
	); err != nil {
		t.Fatalf("AddEvents: %v", err)
	}

	st := en.ReducedState()
	counterState, _ := st.Slices["counter"].(map[string]any)
	if counterState["count"] != float64(2) {
		t.Errorf("counter = %v, want 2", counterState["count"])
	}
	mirrorState, _ := st.Slices["mirror"].(map[string]any)
	if mirrorState["count"] != float64(2) {
		t.Errorf("mirror sees stale dep state: %v", mirrorState)
	}
}

func TestValidateSlices(t *testing.T) {
	tests := []struct {
		name    string
		slices  []Slice
		wantErr bool
	}{
		{"empty", nil, false},
		{"independent", []Slice{{Name: "a"}, {Name: "b"}}, false},
		{"chain", []Slice{{Name: "a"}, {Name: "b", DependsOn: []string{"a"}}}, false},
		{"duplicate names", []Slice{{Name: "a"}, {Name: "a"}}, true},
		{"unknown dep", []Slice{{Name: "a", DependsOn: []string{"ghost"}}}, true},
		{"cycle", []Slice{
			{Name: "a", DependsOn: []string{"b"}},
			{Name: "b", DependsOn: []string{"a"}},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSlices(tt.slices)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateSlices = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
