package coercer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ViolationError collects every schema violation found in one pass so a
// caller can report them all at once rather than one-at-a-time.
type ViolationError struct {
	Violations []string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("parameter validation failed: %s", strings.Join(e.Violations, "; "))
}

// dateLayout is the ISO-8601 calendar date shape (YYYY-MM-DD) that
// date-range start/end values must have.
const dateLayout = "2006-01-02"

// Validate coerces params into schema's shape, filling schema defaults for
// missing optional fields, and returns the conformant result or a
// ViolationError enumerating every problem found. Unknown keys are never
// dropped silently -- they are reported as violations.
func Validate(params map[string]any, schema *Schema) (map[string]any, error) {
	if schema == nil || schema.Type != "object" {
		return params, nil
	}

	out := make(map[string]any, len(schema.Properties))
	var violations []string

	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}

	for name, propSchema := range schema.Properties {
		raw, present := params[name]
		if !present {
			if required[name] {
				violations = append(violations, fmt.Sprintf("missing required field %q", name))
				continue
			}
			if propSchema.Default != nil {
				out[name] = propSchema.Default
			}
			continue
		}

		coerced, err := coerceValue(raw, propSchema)
		if err != nil {
			violations = append(violations, fmt.Sprintf("field %q: %v", name, err))
			continue
		}
		if len(propSchema.Enum) > 0 && !inEnum(coerced, propSchema.Enum) {
			violations = append(violations, fmt.Sprintf("field %q: value not in enum", name))
			continue
		}
		out[name] = coerced
	}

	for key := range params {
		if _, known := schema.Properties[key]; !known {
			violations = append(violations, fmt.Sprintf("unknown field %q", key))
		}
	}

	if len(violations) > 0 {
		return nil, &ViolationError{Violations: violations}
	}
	return out, nil
}

func inEnum(v any, enum []any) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

func coerceValue(v any, s *Schema) (any, error) {
	switch s.Type {
	case "string":
		return coerceString(v)
	case "number", "integer":
		return coerceNumber(v)
	case "boolean":
		return coerceBoolean(v)
	case "object":
		return coerceObject(v, s)
	case "array":
		return coerceArray(v, s)
	default:
		return v, nil
	}
}

func coerceString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", fmt.Errorf("cannot coerce %T to string", v)
	}
}

func coerceNumber(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case string:
		n, err := strconv.ParseFloat(x, 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("cannot coerce %q to number", x)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to number", v)
	}
}

func coerceBoolean(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(x) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return false, fmt.Errorf("cannot coerce %q to boolean", x)
	case float64:
		return x != 0, nil
	case int:
		return x != 0, nil
	default:
		return false, fmt.Errorf("cannot coerce %T to boolean", v)
	}
}

func coerceObject(v any, s *Schema) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		return coerceDateRangeOrPassthrough(x, s)
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(x), &parsed); err != nil {
			return nil, fmt.Errorf("cannot parse %q as a JSON object: %w", x, err)
		}
		return coerceDateRangeOrPassthrough(parsed, s)
	default:
		return nil, fmt.Errorf("cannot coerce %T to object", v)
	}
}

// coerceDateRangeOrPassthrough accepts an optional {start, end} date-range
// shape when the schema marks format "date-range": both values must be
// ISO-8601 calendar dates. Natural-language ranges are the LLM extractor's
// job upstream, not this coercer's.
func coerceDateRangeOrPassthrough(obj map[string]any, s *Schema) (map[string]any, error) {
	if s.Format != "date-range" {
		return obj, nil
	}
	start, okStart := obj["start"].(string)
	end, okEnd := obj["end"].(string)
	if !okStart || !okEnd {
		return nil, fmt.Errorf("date-range requires string start/end")
	}
	if !isISODate(start) || !isISODate(end) {
		return nil, fmt.Errorf("date-range start/end must be ISO-8601 calendar dates (YYYY-MM-DD)")
	}
	return obj, nil
}

func isISODate(s string) bool {
	if len(s) != len(dateLayout) {
		return false
	}
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return false
	}
	for i, p := range parts {
		wantLen := map[int]int{0: 4, 1: 2, 2: 2}[i]
		if len(p) != wantLen {
			return false
		}
		if _, err := strconv.Atoi(p); err != nil {
			return false
		}
	}
	return true
}

func coerceArray(v any, s *Schema) (any, error) {
	switch x := v.(type) {
	case []any:
		return coerceArrayItems(x, s)
	case string:
		var parsed []any
		if err := json.Unmarshal([]byte(x), &parsed); err != nil {
			return nil, fmt.Errorf("cannot parse %q as a JSON array: %w", x, err)
		}
		return coerceArrayItems(parsed, s)
	default:
		return nil, fmt.Errorf("cannot coerce %T to array", v)
	}
}

func coerceArrayItems(items []any, s *Schema) ([]any, error) {
	if s.Items == nil {
		return items, nil
	}
	out := make([]any, len(items))
	for i, item := range items {
		coerced, err := coerceValue(item, s.Items)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out[i] = coerced
	}
	return out, nil
}
