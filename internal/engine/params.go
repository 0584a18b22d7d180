package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/convoyai/convoy/internal/llm"
	"github.com/convoyai/convoy/pkg/models"
)

// buildRequest assembles the responses-API parameter set from augmented
// state: instructions from the system prompt and fragments, the transcript
// stable-sorted by score, and the post-substitution tool set.
func buildRequest(aug models.AugmentedState) llm.Request {
	req := llm.Request{
		Model:             modelID(aug.ModelOpts),
		Instructions:      renderInstructions(aug),
		Input:             sortedInput(aug.InputItems),
		ParallelToolCalls: true,
		Extra:             map[string]any{},
	}

	for _, tool := range aug.RuntimeTools {
		req.Tools = append(req.Tools, tool.ProviderDefinition())
	}

	for key, value := range aug.ModelOpts {
		switch key {
		case "model":
			// Already on the request.
		case "toolChoice":
			req.ToolChoice = value
		default:
			req.Extra[key] = value
		}
	}
	return req
}

func modelID(opts models.ModelOpts) string {
	if s, ok := opts["model"].(string); ok {
		return s
	}
	return ""
}

// renderInstructions concatenates the system prompt and the ephemeral
// fragments as tagged blocks, in stable key order.
func renderInstructions(aug models.AugmentedState) string {
	var b strings.Builder
	b.WriteString(aug.SystemPrompt)

	keys := make([]string, 0, len(aug.EphemeralPromptFragments))
	for k := range aug.EphemeralPromptFragments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "\n\n<%s>\n%s\n</%s>", key, aug.EphemeralPromptFragments[key], key)
	}
	return b.String()
}

// sortedInput orders transcript items by their stable sort key: the
// explicit score when present, the original index otherwise. The sort is
// stable so unscored items keep arrival order.
func sortedInput(items []models.InputItem) []map[string]any {
	type keyed struct {
		key  float64
		item map[string]any
	}
	entries := make([]keyed, len(items))
	for i, it := range items {
		entries[i] = keyed{key: it.SortKey(i), item: it.Item}
	}
	sort.SliceStable(entries, func(a, b int) bool { return entries[a].key < entries[b].key })

	out := make([]map[string]any, len(entries))
	for i, entry := range entries {
		out[i] = entry.item
	}
	return out
}
