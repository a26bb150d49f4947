package resolver

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

// Scope holds everything template references may resolve against.
type Scope struct {
	// State is the merged actor + execution key-value view. `{state:key}`
	// reads from it.
	State map[string]any
	// Acts maps a completed act's name to its published fields (response,
	// rows, command payloads). `{{act.field}}` reads from it.
	Acts map[string]map[string]any
}

// RenderTemplate resolves `{state:key}` and `{{act.field}}` references in a
// template string. Resolution is fail-fast: the first unresolved reference
// aborts with UNRESOLVED_REFERENCE and the act never reaches the backend.
func RenderTemplate(tpl string, scope *Scope) (string, error) {
	if scope == nil {
		scope = &Scope{}
	}

	out, err := renderActRefs(tpl, scope)
	if err != nil {
		return "", err
	}
	return renderStateRefs(out, scope)
}

// renderActRefs resolves {{act.field}} tokens.
func renderActRefs(input string, scope *Scope) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "{{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 2

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeUnresolved, "unclosed {{ reference")
		}
		end += start

		ref := strings.TrimSpace(input[start:end])
		if ref == "" {
			return "", schema.NewError(schema.ErrCodeUnresolved, "empty {{ }} reference")
		}

		val, err := resolveActRef(ref, scope)
		if err != nil {
			return "", err
		}
		result.WriteString(stringify(val))

		i = end + 2
	}

	return result.String(), nil
}

// resolveActRef resolves a dotted path like "summarize.response" against
// the published fields of completed acts.
func resolveActRef(ref string, scope *Scope) (any, error) {
	parts := strings.Split(ref, ".")
	if len(parts) < 2 {
		return nil, schema.NewErrorf(schema.ErrCodeUnresolved,
			"invalid reference {{%s}}: expected {{act.field}}", ref).
			WithDetails(map[string]any{"reference": ref})
	}

	actName := parts[0]
	fields, ok := scope.Acts[actName]
	if !ok {
		available := sortedKeys(scope.Acts)
		return nil, schema.NewErrorf(schema.ErrCodeUnresolved,
			"act %q not found in {{%s}}; completed acts: [%s]",
			actName, ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"reference": ref, "available_acts": available})
	}

	var current any = fields
	for _, seg := range parts[1:] {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeUnresolved,
				"cannot traverse into non-object at %q in {{%s}} (type: %T)", seg, ref, current).
				WithDetails(map[string]any{"reference": ref})
		}
		val, ok := m[seg]
		if !ok {
			available := sortedAnyKeys(m)
			return nil, schema.NewErrorf(schema.ErrCodeUnresolved,
				"field %q not found in {{%s}}; available: [%s]",
				seg, ref, strings.Join(available, ", ")).
				WithDetails(map[string]any{"reference": ref, "available_fields": available})
		}
		current = val
	}

	return current, nil
}

// renderStateRefs resolves {state:key} tokens.
func renderStateRefs(input string, scope *Scope) (string, error) {
	const marker = "{state:"

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], marker)
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + len(marker)

		end := strings.IndexByte(input[start:], '}')
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeUnresolved, "unclosed {state: reference")
		}
		end += start

		key := strings.TrimSpace(input[start:end])
		if key == "" {
			return "", schema.NewError(schema.ErrCodeUnresolved, "empty {state:} reference")
		}

		val, ok := scope.State[key]
		if !ok {
			available := sortedAnyKeys(scope.State)
			return "", schema.NewErrorf(schema.ErrCodeUnresolved,
				"state key %q not found; available: [%s]", key, strings.Join(available, ", ")).
				WithDetails(map[string]any{"key": key, "available_keys": available})
		}
		result.WriteString(stringify(val))

		i = end + 1
	}

	return result.String(), nil
}

// stringify converts a resolved value into its inline text representation.
// Strings embed as-is; complex values embed as compact JSON.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func sortedKeys(m map[string]map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedAnyKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
