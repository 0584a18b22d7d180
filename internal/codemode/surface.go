package codemode

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/convoyai/convoy/pkg/models"
)

// surfaceMarker is where the generated type surface lands inside the
// prompt fragment.
const surfaceMarker = "{{TOOL_TYPES}}"

const promptFragmentTemplate = `You can run batches of tool calls by writing code. Call the codemode tool
with a functionCode parameter containing an async function named codemode
that returns a value.

Rules for writing codemode():
- Do not use try/catch; let errors propagate.
- Prefer Promise.all when calls are independent.
- Always use the return values of tool functions; never ignore them.
- Hard-code input values into the program; do not compute them from
  placeholders.

The following tool functions are available inside codemode():

` + surfaceMarker + `
`

// PromptFragment renders the fixed codemode prompt fragment with the
// generated type surface embedded at the marker.
func PromptFragment(surface string) string {
	return strings.Replace(promptFragmentTemplate, surfaceMarker, surface, 1)
}

// GenerateSurface renders a TypeScript-like declaration for every tool in
// the codemode bucket, using the tools' JSON schemas for parameter types
// and previously recorded calls as output samples.
func GenerateSurface(tools []models.RuntimeTool, samples []models.RecordedToolCall) string {
	latest := latestSamples(samples)

	var b strings.Builder
	for i, tool := range tools {
		if i > 0 {
			b.WriteString("\n")
		}
		spec := tool.Spec
		if spec.Description != "" {
			for _, line := range strings.Split(spec.Description, "\n") {
				fmt.Fprintf(&b, "// %s\n", line)
			}
		}
		fmt.Fprintf(&b, "declare async function %s(input: %s): Promise<unknown>;\n",
			spec.Name, schemaToType(spec.Parameters, 0))
		if sample, ok := latest[spec.Name]; ok {
			fmt.Fprintf(&b, "// Example output: %s\n", compactJSON(sample.Output))
		}
	}
	return b.String()
}

// latestSamples keeps the most recent recorded call per tool.
func latestSamples(samples []models.RecordedToolCall) map[string]models.RecordedToolCall {
	out := make(map[string]models.RecordedToolCall, len(samples))
	for _, s := range samples {
		out[s.Tool] = s
	}
	return out
}

func compactJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	const limit = 512
	s := string(raw)
	if len(s) > limit {
		s = s[:limit] + "…"
	}
	return s
}

// schemaToType renders a JSON schema as a TypeScript-like type. Unknown or
// empty schemas render as unknown.
func schemaToType(schema map[string]any, depth int) string {
	if len(schema) == 0 || depth > 6 {
		return "unknown"
	}
	if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
		parts := make([]string, len(enum))
		for i, v := range enum {
			parts[i] = compactJSON(v)
		}
		return strings.Join(parts, " | ")
	}
	switch schemaType(schema) {
	case "string":
		return "string"
	case "number", "integer":
		return "number"
	case "boolean":
		return "boolean"
	case "null":
		return "null"
	case "array":
		items, _ := schema["items"].(map[string]any)
		return schemaToType(items, depth+1) + "[]"
	case "object":
		props, _ := schema["properties"].(map[string]any)
		if len(props) == 0 {
			return "Record<string, unknown>"
		}
		required := requiredSet(schema)
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			prop, _ := props[k].(map[string]any)
			optional := ""
			if !required[k] {
				optional = "?"
			}
			parts = append(parts, fmt.Sprintf("%s%s: %s", k, optional, schemaToType(prop, depth+1)))
		}
		return "{ " + strings.Join(parts, "; ") + " }"
	default:
		return "unknown"
	}
}

func schemaType(schema map[string]any) string {
	switch t := schema["type"].(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			if s, ok := t[0].(string); ok {
				return s
			}
		}
	}
	if _, ok := schema["properties"]; ok {
		return "object"
	}
	return ""
}

func requiredSet(schema map[string]any) map[string]bool {
	out := map[string]bool{}
	req, _ := schema["required"].([]any)
	for _, r := range req {
		if s, ok := r.(string); ok {
			out[s] = true
		}
	}
	return out
}
