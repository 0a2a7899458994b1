// Package taskerrors defines the structured error taxonomy shared by the
// executor and orchestrator, so a store/provider failure can be classified
// once and compared with errors.As anywhere downstream.
package taskerrors

import (
	"errors"
	"fmt"
)

// Type is one member of the fixed error taxonomy.
type Type string

const (
	ParameterValidation Type = "parameter_validation"
	TemplateNotFound    Type = "template_not_found"
	ScriptInvalid       Type = "script_invalid"
	CapabilityRefused   Type = "capability_refused"
	Timeout             Type = "timeout"
	Cancelled           Type = "cancelled"
	ResourceExceeded    Type = "resource_exceeded"
	UpstreamQuota       Type = "upstream_quota"
	UpstreamUnavailable Type = "upstream_unavailable"
	UpstreamError       Type = "upstream_error"
	RepairExhausted     Type = "repair_exhausted"
	InternalInvariant   Type = "internal_invariant"
)

// DisablesRepair reports whether an error of this type should take the
// task out of the repair-eligible pool rather than be retried.
func (t Type) DisablesRepair() bool {
	switch t {
	case UpstreamQuota, UpstreamUnavailable, Cancelled, RepairExhausted, InternalInvariant:
		return true
	default:
		return false
	}
}

// TaskError is the structured value appended to a Task's errors[]. Step
// identifies which part of the script or orchestration path raised it, if
// known.
type TaskError struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
}

func (e *TaskError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s: %s (step %s)", e.Type, e.Message, e.Step)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// New constructs a TaskError.
func New(t Type, message string) *TaskError {
	return &TaskError{Type: t, Message: message}
}

// WithStep returns a copy of e with Step set.
func (e *TaskError) WithStep(step string) *TaskError {
	cp := *e
	cp.Step = step
	return &cp
}

// FromError classifies an arbitrary error into the taxonomy, defaulting to
// UpstreamError per the executor's propagation policy: uncaught exceptions
// are mapped, not thrown, and default to UpstreamError when no more
// specific classification applies.
func FromError(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return New(UpstreamError, err.Error())
}
