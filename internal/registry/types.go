// Package registry implements the Template Registry (C1/C3): storage,
// dual-embedding semantic lookup, and fuzzy id/name resolution for task
// templates.
package registry

import "time"

// ═══════════════════════════════════════════════════════════════════════════
// TEMPLATE TYPE
// ═══════════════════════════════════════════════════════════════════════════

// Template is the executable definition an Orchestrator instantiates into
// Tasks. Both embeddings are required for the template to participate in
// find_by_utterance; enabled=false excludes it from matching but not from
// direct id lookup.
type Template struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    []string `json:"category"`
	Version     int      `json:"version"`

	// ParameterSchema is a JSON-Schema subset: object/string/number/boolean/
	// array/object, required, enum, default. Stored as raw JSON text.
	ParameterSchema []byte `json:"parameter_schema"`

	ExecutionScript string `json:"execution_script"`
	Enabled         bool   `json:"enabled"`
	Testing         bool   `json:"testing"`
	ScriptValidated bool   `json:"script_validated"`

	// NameEmbedding is a dense vector over Name alone; CombinedEmbedding is
	// over Name+Description+Category+ParameterSchema serialized. Both live
	// in the vector index (internal/vectorindex), not on this struct --
	// callers that need the raw floats read them from there.

	Triggers             []string `json:"triggers,omitempty"`
	EstimatedDurationMS   int64    `json:"estimated_duration_ms"`
	EstimatedSteps        int      `json:"estimated_steps"`
	RequiredCapabilities []string `json:"required_capabilities"`
	Priority              int      `json:"priority"`

	LastRepairedAt *time.Time `json:"last_repaired_at,omitempty"`
	RepairAttempts int        `json:"repair_attempts"`
	LastModifiedBy string     `json:"last_modified_by,omitempty"`

	ContentHash string `json:"content_hash"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Patch carries a partial update for Update; nil fields are left untouched.
type Patch struct {
	Name                 *string
	Description          *string
	Category             []string
	ParameterSchema      []byte
	ExecutionScript      *string
	Enabled              *bool
	Testing              *bool
	ScriptValidated      *bool
	Triggers             []string
	RequiredCapabilities []string
	Priority             *int
}

// MatchOpts configures find_by_utterance.
type MatchOpts struct {
	AllowTesting  bool
	FloorOverride *float64
}

// MatchResult carries the winning template plus which phase produced it,
// useful for logging and tests.
type MatchResult struct {
	Template *Template
	Phase    string // "name" or "combined"
	Score    float64
}
