// Package rules evaluates the matcher language used by context rules and
// tool policies. Matchers are JSONata expressions evaluated against
// host-provided rule-match data (for context rules) or against the tool or
// call object (for tool policies). An absent matcher always matches.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	jsonata "github.com/blues/jsonata-go"
)

// ErrBadMatcher reports a matcher expression that failed to compile.
var ErrBadMatcher = errors.New("bad matcher expression")

var exprCache sync.Map

func compile(expr string) (*jsonata.Expr, error) {
	if cached, ok := exprCache.Load(expr); ok {
		if compiled, ok := cached.(*jsonata.Expr); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonata.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadMatcher, expr, err)
	}
	exprCache.Store(expr, compiled)
	return compiled, nil
}

// Match evaluates a matcher expression against data and reports whether the
// result is truthy. The empty expression matches everything. Evaluation to
// undefined (JSONata "no results") is a non-match, not an error.
func Match(expr string, data any) (bool, error) {
	if expr == "" {
		return true, nil
	}
	compiled, err := compile(expr)
	if err != nil {
		return false, err
	}
	result, err := compiled.Eval(normalize(data))
	if err != nil {
		if errors.Is(err, jsonata.ErrUndefined) {
			return false, nil
		}
		return false, fmt.Errorf("evaluate matcher %q: %w", expr, err)
	}
	return truthy(result), nil
}

// Eval evaluates an expression and returns the raw result. Used where a
// matcher is allowed to compute a value rather than a boolean.
func Eval(expr string, data any) (any, error) {
	compiled, err := compile(expr)
	if err != nil {
		return nil, err
	}
	result, err := compiled.Eval(normalize(data))
	if err != nil {
		if errors.Is(err, jsonata.ErrUndefined) {
			return nil, nil
		}
		return nil, fmt.Errorf("evaluate expression %q: %w", expr, err)
	}
	return result, nil
}

// normalize converts typed Go values into the generic JSON shape the
// evaluator expects. Structs round-trip through encoding/json; maps and
// scalars pass straight through.
func normalize(data any) any {
	if data == nil {
		return nil
	}
	switch data.(type) {
	case map[string]any, []any, string, bool, float64, int, int64:
		return data
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return data
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return data
	}
	return generic
}

// truthy follows JSONata boolean conversion: false, zero, empty strings,
// empty collections, and nil are all false.
func truthy(v any) bool {
	switch tv := v.(type) {
	case nil:
		return false
	case bool:
		return tv
	case string:
		return tv != ""
	case float64:
		return tv != 0
	case int:
		return tv != 0
	case int64:
		return tv != 0
	case []any:
		for _, e := range tv {
			if truthy(e) {
				return true
			}
		}
		return false
	case map[string]any:
		return len(tv) > 0
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Slice, reflect.Map, reflect.Array:
			return rv.Len() > 0
		}
		return true
	}
}
