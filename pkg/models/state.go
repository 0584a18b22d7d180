package models

// ModelOpts are the model parameters sent with each LLM request. Arbitrary
// provider options pass through; "toolChoice" is renamed to "tool_choice"
// when the responses-API parameter set is assembled.
type ModelOpts map[string]any

// InputItem is one entry of the conversation transcript sent to the
// provider: a message, reasoning item, function call, or function output.
// Items optionally carry a sort score used to stably reorder the transcript
// at request time (reasoning items stay adjacent to their linked calls).
type InputItem struct {
	Item      map[string]any `json:"item"`
	SortScore float64        `json:"sortScore,omitempty"`
	Scored    bool           `json:"scored,omitempty"`
}

// SortKey returns the effective sort key: the explicit score when present,
// otherwise the item's original position.
func (it InputItem) SortKey(index int) float64 {
	if it.Scored {
		return it.SortScore
	}
	return float64(index)
}

// Type returns the item's "type" field, or "".
func (it InputItem) Type() string {
	s, _ := it.Item["type"].(string)
	return s
}

// ID returns the item's "id" field, or "".
func (it InputItem) ID() string {
	s, _ := it.Item["id"].(string)
	return s
}

// State is the reduced conversation state: a pure function of the event log
// and the reducer set. The engine caches it between events and recomputes
// it from scratch only on initialization or historical replay.
type State struct {
	SystemPrompt string `json:"systemPrompt"`

	ModelOpts ModelOpts `json:"modelOpts,omitempty"`

	// Metadata deep-merges across SET_METADATA events; labels live at
	// Metadata["labels"] as an ordered list.
	Metadata map[string]any `json:"metadata,omitempty"`

	// ContextRules maps rule key to rule.
	ContextRules map[string]ContextRule `json:"contextRules,omitempty"`

	// InputItems is the transcript in append order.
	InputItems []InputItem `json:"inputItems,omitempty"`

	// LLMRequestStartedAtIndex is the index of the unmatched
	// LLM_REQUEST_START, or nil when idle.
	LLMRequestStartedAtIndex *int `json:"llmRequestStartedAtIndex,omitempty"`

	// TriggerLLMRequest is set by any event carrying the trigger flag
	// (unless paused) and cleared by LLM_REQUEST_START and
	// PAUSE_LLM_REQUESTS.
	TriggerLLMRequest bool `json:"triggerLLMRequest,omitempty"`

	Paused bool `json:"paused,omitempty"`

	Participants          map[string]Participant `json:"participants,omitempty"`
	MentionedParticipants map[string]Participant `json:"mentionedParticipants,omitempty"`

	// ToolCallApprovals maps approval key to approval record.
	ToolCallApprovals map[string]Approval `json:"toolCallApprovals,omitempty"`

	// RecordedToolCalls are codemode output samples in arrival order.
	RecordedToolCalls []RecordedToolCall `json:"recordedToolCalls,omitempty"`

	// Slices holds per-slice state partitions keyed by slice name.
	// Values must be JSON-like (maps, slices, scalars); function values
	// are carried by reference through cloning.
	Slices map[string]any `json:"slices,omitempty"`
}

// NewState returns the initial reduced state.
func NewState() State {
	return State{
		ModelOpts:             ModelOpts{},
		Metadata:              map[string]any{},
		ContextRules:          map[string]ContextRule{},
		Participants:          map[string]Participant{},
		MentionedParticipants: map[string]Participant{},
		ToolCallApprovals:     map[string]Approval{},
		Slices:                map[string]any{},
	}
}

// Clone deep-copies the state. Maps and slices are duplicated at every
// level; function values (inside slice partitions) are kept by reference.
func (s State) Clone() State {
	out := s
	out.ModelOpts = ModelOpts(deepCopyMap(map[string]any(s.ModelOpts)))
	out.Metadata = deepCopyMap(s.Metadata)
	if s.ContextRules != nil {
		out.ContextRules = make(map[string]ContextRule, len(s.ContextRules))
		for k, r := range s.ContextRules {
			out.ContextRules[k] = r.clone()
		}
	}
	if s.InputItems != nil {
		out.InputItems = make([]InputItem, len(s.InputItems))
		for i, it := range s.InputItems {
			out.InputItems[i] = InputItem{Item: deepCopyMap(it.Item), SortScore: it.SortScore, Scored: it.Scored}
		}
	}
	if s.LLMRequestStartedAtIndex != nil {
		idx := *s.LLMRequestStartedAtIndex
		out.LLMRequestStartedAtIndex = &idx
	}
	out.Participants = cloneParticipants(s.Participants)
	out.MentionedParticipants = cloneParticipants(s.MentionedParticipants)
	if s.ToolCallApprovals != nil {
		out.ToolCallApprovals = make(map[string]Approval, len(s.ToolCallApprovals))
		for k, a := range s.ToolCallApprovals {
			a.Args = deepCopyMap(a.Args)
			out.ToolCallApprovals[k] = a
		}
	}
	if s.RecordedToolCalls != nil {
		out.RecordedToolCalls = make([]RecordedToolCall, len(s.RecordedToolCalls))
		for i, rc := range s.RecordedToolCalls {
			rc.Input = deepCopyValue(rc.Input)
			rc.Output = deepCopyValue(rc.Output)
			out.RecordedToolCalls[i] = rc
		}
	}
	if s.Slices != nil {
		out.Slices = make(map[string]any, len(s.Slices))
		for k, v := range s.Slices {
			out.Slices[k] = deepCopyValue(v)
		}
	}
	return out
}

func (r ContextRule) clone() ContextRule {
	out := r
	out.Tools = append([]ToolSpec(nil), r.Tools...)
	for i, t := range out.Tools {
		out.Tools[i].Parameters = deepCopyMap(t.Parameters)
	}
	out.ToolPolicies = append([]ToolPolicy(nil), r.ToolPolicies...)
	out.MCPServers = append([]MCPServer(nil), r.MCPServers...)
	for i, srv := range out.MCPServers {
		if srv.Headers != nil {
			h := make(map[string]string, len(srv.Headers))
			for k, v := range srv.Headers {
				h[k] = v
			}
			out.MCPServers[i].Headers = h
		}
	}
	return out
}

func cloneParticipants(in map[string]Participant) map[string]Participant {
	if in == nil {
		return nil
	}
	out := make(map[string]Participant, len(in))
	for k, p := range in {
		p.Metadata = deepCopyMap(p.Metadata)
		out[k] = p
	}
	return out
}

// AugmentedState is the per-read view of the conversation: the reduced
// state plus resolved context rules, runtime tools, and codemode
// substitution. It is computed on demand and never stored.
type AugmentedState struct {
	State

	// EnabledContextRules are the rules whose matchers matched the
	// host-provided rule-match data, in stable key order.
	EnabledContextRules []ContextRule `json:"enabledContextRules,omitempty"`

	// EphemeralPromptFragments are assembled per read, keyed by fragment
	// key (rule key, or "codemode").
	EphemeralPromptFragments map[string]string `json:"ephemeralPromptFragments,omitempty"`

	// ToolSpecs aggregates the specs of enabled rules.
	ToolSpecs []ToolSpec `json:"toolSpecs,omitempty"`

	// MCPServers collects the server declarations of enabled rules.
	MCPServers []MCPServer `json:"mcpServers,omitempty"`

	// RuntimeTools are the tools available this read, after codemode
	// substitution.
	RuntimeTools []RuntimeTool `json:"-"`

	// GroupedRuntimeTools maps group name to tools.
	GroupedRuntimeTools map[string][]RuntimeTool `json:"-"`

	// CodemodeEnabledTools names the tools folded into the codemode tool
	// this read; empty when no substitution happened.
	CodemodeEnabledTools []string `json:"codemodeEnabledTools,omitempty"`
}

// FindRuntimeTool returns the runtime tool with the given name.
func (a AugmentedState) FindRuntimeTool(name string) (RuntimeTool, bool) {
	for _, t := range a.RuntimeTools {
		if t.Spec.Name == name {
			return t, true
		}
	}
	return RuntimeTool{}, false
}

// deepCopyValue copies maps and slices recursively; scalars and any other
// values (including functions) are returned as-is.
func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return deepCopyMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

// DeepMerge merges src into dst key-wise: nested objects merge recursively,
// everything else (arrays included) replaces. dst is mutated and returned.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				dst[k] = DeepMerge(dm, sm)
				continue
			}
		}
		dst[k] = deepCopyValue(sv)
	}
	return dst
}
