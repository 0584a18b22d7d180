package engine

import "strings"

// userActionPrefixes identify developer messages that represent a real
// user action. The failsafe counts agent messages sent since the last one.
var userActionPrefixes = []string{"User mentioned", "User message"}

// runawayTurn reports whether the model has sent too many user-facing
// messages since the last user action: the infinite-loop failsafe. input
// is the sorted transcript the next request would carry.
func runawayTurn(input []map[string]any, userFacingTool string, limit int) bool {
	lastUserAction := -1
	for i, item := range input {
		if isUserActionMessage(item) {
			lastUserAction = i
		}
	}

	sent := 0
	for _, item := range input[lastUserAction+1:] {
		if itemType(item) != "function_call" {
			continue
		}
		if name, _ := item["name"].(string); name == userFacingTool {
			sent++
		}
	}
	return sent >= limit
}

// isUserActionMessage matches developer messages whose first input_text
// begins with a user-action prefix.
func isUserActionMessage(item map[string]any) bool {
	if itemType(item) != "message" {
		return false
	}
	if role, _ := item["role"].(string); role != "developer" {
		return false
	}
	content, _ := item["content"].([]any)
	for _, part := range content {
		m, ok := part.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := m["type"].(string); t != "input_text" {
			continue
		}
		text, _ := m["text"].(string)
		for _, prefix := range userActionPrefixes {
			if strings.HasPrefix(text, prefix) {
				return true
			}
		}
		// Only the first input_text counts.
		return false
	}
	return false
}

func itemType(item map[string]any) string {
	t, _ := item["type"].(string)
	return t
}
