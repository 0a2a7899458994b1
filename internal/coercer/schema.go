// Package coercer implements the Parameter Coercer (C7): validate(params,
// schema) -> params', coercing loosely-typed input into the shape a
// template's parameter_schema demands before a task is created.
package coercer

import "encoding/json"

// Schema is the JSON-Schema subset templates use: object/string/number/
// boolean/array, required, enum, default. Nested objects are represented
// via Properties recursively but the spec only asks for a flat top level.
type Schema struct {
	Type       string             `json:"type"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Enum       []any              `json:"enum,omitempty"`
	Default    any                `json:"default,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Format     string             `json:"format,omitempty"` // e.g. "date-range"
}

// ParseSchema unmarshals a template's raw parameter_schema JSON.
func ParseSchema(raw []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
