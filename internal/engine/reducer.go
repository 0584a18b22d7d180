package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/convoyai/convoy/pkg/models"
)

// reduce folds one event: core reducer first, then each slice in
// declaration order, then a deep clone so stored state never aliases
// caller views.
func (en *Engine) reduce(state models.State, e models.Event) (models.State, error) {
	if err := en.reduceCore(&state, e); err != nil {
		return state, err
	}
	for _, s := range en.slices {
		if s.Reduce == nil {
			continue
		}
		patch, err := s.Reduce(state, sliceDeps(state, s), e)
		if err != nil {
			return state, fmt.Errorf("slice %s reducer: %w", s.Name, err)
		}
		if patch != nil {
			if state.Slices == nil {
				state.Slices = map[string]any{}
			}
			state.Slices[s.Name] = patch
		}
	}
	return state.Clone(), nil
}

// initialState seeds the reduced state with every slice's initial
// partition.
func (en *Engine) initialState() models.State {
	st := models.NewState()
	for _, s := range en.slices {
		if s.InitialState != nil {
			st.Slices[s.Name] = s.InitialState
		}
	}
	return st
}

func (en *Engine) reduceCore(st *models.State, e models.Event) error {
	// The trigger flag is dropped while paused; PAUSE itself clears it.
	if e.TriggerLLMRequest && !st.Paused {
		st.TriggerLLMRequest = true
	}

	switch e.Type {
	case models.EventInitializedWithEvents,
		models.EventInternalError,
		models.EventLog,
		models.EventBackgroundTaskProgress,
		models.EventMessageFromAgent:
		// Recorded, no state mutation. MESSAGE_FROM_AGENT is delivery
		// bookkeeping; the model message itself arrives as an output
		// item.
		return nil

	case models.EventSetSystemPrompt:
		data, err := models.Decode[models.SetSystemPromptData](e.Data)
		if err != nil {
			return err
		}
		st.SystemPrompt = data.Prompt

	case models.EventAddContextRules:
		data, err := models.Decode[models.AddContextRulesData](e.Data)
		if err != nil {
			return err
		}
		if st.ContextRules == nil {
			st.ContextRules = map[string]models.ContextRule{}
		}
		for _, rule := range data.Rules {
			st.ContextRules[rule.Key] = rule
		}

	case models.EventSetModelOpts:
		data, err := models.Decode[models.SetModelOptsData](e.Data)
		if err != nil {
			return err
		}
		st.ModelOpts = data.ModelOpts

	case models.EventSetMetadata:
		patch, err := models.Decode[map[string]any](e.Data)
		if err != nil {
			return err
		}
		st.Metadata = models.DeepMerge(st.Metadata, patch)

	case models.EventAddLabel:
		data, err := models.Decode[models.AddLabelData](e.Data)
		if err != nil {
			return err
		}
		addLabel(st, data.Label)

	case models.EventLLMInputItem, models.EventLLMOutputItem:
		item, err := models.Decode[map[string]any](e.Data)
		if err != nil {
			return err
		}
		st.InputItems = append(st.InputItems, models.InputItem{Item: item})

	case models.EventLLMRequestStart:
		idx := e.EventIndex
		st.LLMRequestStartedAtIndex = &idx
		st.TriggerLLMRequest = false

	case models.EventLLMRequestEnd, models.EventLLMRequestCancel:
		st.LLMRequestStartedAtIndex = nil

	case models.EventLocalFunctionToolCall:
		data, err := models.Decode[models.LocalFunctionToolCallData](e.Data)
		if err != nil {
			return err
		}
		return reduceLocalToolCall(st, data)

	case models.EventCodemodeToolCalls:
		data, err := models.Decode[models.CodemodeToolCallsData](e.Data)
		if err != nil {
			return err
		}
		st.RecordedToolCalls = append(st.RecordedToolCalls, data.Calls...)

	case models.EventPauseLLMRequests:
		st.Paused = true
		st.TriggerLLMRequest = false

	case models.EventResumeLLMRequests:
		st.Paused = false

	case models.EventFileShared:
		data, err := models.Decode[models.FileSharedData](e.Data)
		if err != nil {
			return err
		}
		st.InputItems = append(st.InputItems, developerMessage(fileSharedText(data)))

	case models.EventParticipantJoined:
		data, err := models.Decode[models.ParticipantJoinedData](e.Data)
		if err != nil {
			return err
		}
		if st.Participants == nil {
			st.Participants = map[string]models.Participant{}
		}
		st.Participants[data.Participant.UserID] = data.Participant

	case models.EventParticipantLeft:
		data, err := models.Decode[models.ParticipantLeftData](e.Data)
		if err != nil {
			return err
		}
		delete(st.Participants, data.UserID)
		delete(st.MentionedParticipants, data.UserID)

	case models.EventParticipantMentioned:
		data, err := models.Decode[models.ParticipantMentionedData](e.Data)
		if err != nil {
			return err
		}
		if st.Participants == nil {
			st.Participants = map[string]models.Participant{}
		}
		if st.MentionedParticipants == nil {
			st.MentionedParticipants = map[string]models.Participant{}
		}
		st.Participants[data.Participant.UserID] = data.Participant
		st.MentionedParticipants[data.Participant.UserID] = data.Participant

	case models.EventToolCallApprovalRequested:
		data, err := models.Decode[models.ToolCallApprovalRequestedData](e.Data)
		if err != nil {
			return err
		}
		if st.ToolCallApprovals == nil {
			st.ToolCallApprovals = map[string]models.Approval{}
		}
		st.ToolCallApprovals[data.ApprovalKey] = models.Approval{
			ToolName:   data.ToolName,
			Args:       data.Args,
			ToolCallID: data.ToolCallID,
			Status:     models.ApprovalPending,
		}
		st.InputItems = append(st.InputItems, developerMessage(fmt.Sprintf(
			"Tool call %s (%s) is waiting for approval (key %s).",
			data.ToolName, data.ToolCallID, data.ApprovalKey)))

	case models.EventToolCallApproved:
		data, err := models.Decode[models.ToolCallApprovedData](e.Data)
		if err != nil {
			return err
		}
		reduceToolCallApproved(st, data)

	default:
		if e.IsCore() {
			// Closed set: validation rejects these at ingress, but
			// replayed logs from a newer engine may carry them.
			en.logger.Warn("unknown CORE event type, state unchanged", "type", e.Type)
		}
	}
	return nil
}

// reduceLocalToolCall appends the function call and its stringified output
// to the transcript. When the call is coupled to a reasoning item, both new
// items get sort scores adjacent to it; a dangling reference is fatal for
// the event.
func reduceLocalToolCall(st *models.State, data models.LocalFunctionToolCallData) error {
	callItem := map[string]any{
		"type":      "function_call",
		"call_id":   data.Call.CallID,
		"name":      data.Call.Name,
		"arguments": data.Call.Arguments,
	}
	if data.Call.ID != "" {
		callItem["id"] = data.Call.ID
	}
	outputItem := map[string]any{
		"type":    "function_call_output",
		"call_id": data.Call.CallID,
		"output":  stringifyResult(data.Result),
	}

	callEntry := models.InputItem{Item: callItem}
	outputEntry := models.InputItem{Item: outputItem}

	if data.AssociatedReasoningItemID != "" {
		reasoningIndex := -1
		for i, it := range st.InputItems {
			if it.ID() == data.AssociatedReasoningItemID && it.Type() == "reasoning" {
				reasoningIndex = i
				break
			}
		}
		if reasoningIndex < 0 {
			return fmt.Errorf("tool call %s references reasoning item %s which is not in the transcript",
				data.Call.CallID, data.AssociatedReasoningItemID)
		}
		callEntry.SortScore, callEntry.Scored = float64(reasoningIndex)+0.1, true
		outputEntry.SortScore, outputEntry.Scored = float64(reasoningIndex)+0.2, true
	}

	st.InputItems = append(st.InputItems, callEntry, outputEntry)
	return nil
}

func reduceToolCallApproved(st *models.State, data models.ToolCallApprovedData) {
	approval, ok := st.ToolCallApprovals[data.ApprovalKey]
	if !ok {
		keys := make([]string, 0, len(st.ToolCallApprovals))
		for k := range st.ToolCallApprovals {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		st.InputItems = append(st.InputItems, developerMessage(fmt.Sprintf(
			"Approval key %s does not exist. Known keys: %s.",
			data.ApprovalKey, strings.Join(keys, ", "))))
		return
	}
	if approval.Status != models.ApprovalPending {
		return
	}
	outcome := "rejected"
	approval.Status = models.ApprovalRejected
	if data.Approved {
		outcome = "approved"
		approval.Status = models.ApprovalApproved
	}
	st.ToolCallApprovals[data.ApprovalKey] = approval
	st.InputItems = append(st.InputItems, developerMessage(fmt.Sprintf(
		"Tool call %s (%s) was %s by the user.",
		approval.ToolName, approval.ToolCallID, outcome)))
	st.TriggerLLMRequest = true
}

func addLabel(st *models.State, label string) {
	if st.Metadata == nil {
		st.Metadata = map[string]any{}
	}
	labels, _ := st.Metadata["labels"].([]any)
	for _, existing := range labels {
		if existing == label {
			return
		}
	}
	st.Metadata["labels"] = append(labels, label)
}

func developerMessage(text string) models.InputItem {
	return models.InputItem{Item: map[string]any{
		"type": "message",
		"role": "developer",
		"content": []any{
			map[string]any{"type": "input_text", "text": text},
		},
	}}
}

func fileSharedText(data models.FileSharedData) string {
	name := data.Filename
	if name == "" {
		name = data.FileID
	}
	switch data.Direction {
	case models.FileFromAgentToUser:
		return fmt.Sprintf("You shared the file %s with the user (file id %s).", name, data.FileID)
	default:
		return fmt.Sprintf("The user shared the file %s with you (file id %s).", name, data.FileID)
	}
}

// stringifyResult renders a tool result as the function_call_output
// payload: errors serialize to their message, strings pass through, and
// everything else JSON-stringifies.
func stringifyResult(result models.ToolCallResult) string {
	if result.Error != "" {
		return result.Error
	}
	if s, ok := result.Output.(string); ok {
		return s
	}
	raw, err := json.Marshal(result.Output)
	if err != nil {
		return fmt.Sprintf("%v", result.Output)
	}
	return string(raw)
}
