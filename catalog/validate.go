package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ValidationError describes arguments rejected against a tool schema.
// It is converted into a structured outcome by the caller, never
// propagated to the end user as an exception.
type ValidationError struct {
	Tool    string
	Missing []string
	Reason  string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("tool %q: missing required arguments: %s", e.Tool, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("tool %q: %s", e.Tool, e.Reason)
}

// Validate checks args against the entry's declared schema:
// missing required keys fail, unknown keys are dropped when the schema
// forbids additional properties, defaults fill absent keys. Non-object
// schemas pass arguments through unchanged.
func (e *Entry) Validate(args map[string]any) (map[string]any, error) {
	schema := e.Schema
	typ, _ := schema["type"].(string)
	props, hasProps := schema["properties"].(map[string]any)
	if typ != "object" && !hasProps {
		return args, nil
	}
	if args == nil {
		args = map[string]any{}
	}

	cleaned := make(map[string]any, len(args))
	for k, v := range args {
		cleaned[k] = v
	}

	// fill declared defaults before checking required keys
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if def, ok := prop["default"]; ok {
			if _, present := cleaned[name]; !present {
				cleaned[name] = def
			}
		}
	}

	var missing []string
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			name, ok := r.(string)
			if !ok {
				continue
			}
			if _, present := cleaned[name]; !present {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &ValidationError{Tool: e.Name, Missing: missing}
	}

	if ap, ok := schema["additionalProperties"].(bool); ok && !ap {
		for k := range cleaned {
			if _, declared := props[k]; !declared {
				delete(cleaned, k)
			}
		}
	}

	if e.compiled != nil {
		// round-trip to the generic JSON shape the validator expects
		js, err := json.Marshal(cleaned)
		if err == nil {
			var generic any
			if err := json.Unmarshal(js, &generic); err == nil {
				if err := e.compiled.Validate(generic); err != nil {
					return nil, &ValidationError{Tool: e.Name, Reason: err.Error()}
				}
			}
		}
	}

	return cleaned, nil
}

// CoerceString opportunistically parses a string value as JSON, then
// integer, then float, then boolean, falling back to the raw string.
// Planner-produced arguments are always strings; this is best-effort
// and never fails.
func CoerceString(s string) any {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

// CoerceStringArgs applies CoerceString to every value of a
// planner-produced argument map.
func CoerceStringArgs(args map[string]string) map[string]any {
	coerced := make(map[string]any, len(args))
	for k, v := range args {
		coerced[k] = CoerceString(v)
	}
	return coerced
}
