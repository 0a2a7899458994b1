// Package executor implements the Sandboxed Executor (C5): static
// refusal of dangerous scripts before they run, a bounded capability
// envelope injected into each execution, runtime wall-clock/call limits,
// and a loaded -> validated -> running -> {completed|failed|timed_out|
// cancelled} state machine, generalized from the teacher's internal/tools
// SecurityPolicy/Executor from shell-command strings to capability
// method verbs.
package executor

import (
	"encoding/json"
	"fmt"
)

// Step is one instruction in a template's execution_script: the known
// dialect this sandbox accepts is a flat JSON array of capability calls,
// interpreted in order against the injected envelope. Step.Args values
// may reference task parameters by name via "{{param}}" placeholders,
// resolved before the call is made.
type Step struct {
	Capability string         `json:"capability"` // "data_source" | "llm" | "progress" | "object_store" | "logger"
	Method     string         `json:"method,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	SaveAs     string         `json:"save_as,omitempty"` // result binding name for later steps
}

// Script is a parsed execution_script ready to run.
type Script struct {
	Steps []Step
}

// ParseScript parses a template's raw execution_script text. A script
// that isn't a well-formed JSON array of steps is ScriptInvalid, the same
// classification as a banned-pattern hit.
func ParseScript(raw string) (*Script, error) {
	var steps []Step
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return nil, fmt.Errorf("execution_script is not a valid step array: %w", err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("execution_script has no steps")
	}
	for i, s := range steps {
		if s.Capability == "" {
			return nil, fmt.Errorf("step %d: capability is required", i)
		}
	}
	return &Script{Steps: steps}, nil
}
