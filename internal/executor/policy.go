package executor

import (
	"fmt"
	"time"

	"github.com/normanking/taskengine/internal/capabilities"
	"github.com/normanking/taskengine/internal/safety"
)

// Policy is the capability-call analogue of the teacher's SecurityPolicy:
// instead of blocked shell-command strings it keys refusals by capability
// method verb, but keeps the same shape (hard timeout, per-call caps,
// dangerous-verb set).
type Policy struct {
	MaxWallClock       time.Duration
	MaxCallWallClock   time.Duration
	MaxListRows        int
	MaxBatchSubCmds    int
	MaxPayloadBytes    int
	DefaultMemoryTierMB int
}

// DefaultPolicy mirrors the runtime limits the sandboxed executor is
// required to enforce: 12-minute wall clock per task and per call, a
// 500-row list cap, a 50-subcommand batch cap, and a 100KB payload cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxWallClock:        12 * time.Minute,
		MaxCallWallClock:    12 * time.Minute,
		MaxListRows:         500,
		MaxBatchSubCmds:     50,
		MaxPayloadBytes:     100 * 1024,
		DefaultMemoryTierMB: 512,
	}
}

// ValidateScript runs the static refusal pass over a template's raw
// execution_script text: a banned-pattern hit anywhere in the source is
// refused before a single step runs.
func ValidateScript(raw string) error {
	if pattern := safety.Check(raw); pattern != "" {
		return fmt.Errorf("script refused: matches banned pattern %s", pattern)
	}
	return nil
}

// CheckCall applies the static refusal rules to one capability call
// before it is dispatched: dangerous data-source methods are refused
// outright, list calls must carry a filter and respect the row cap,
// batches must not exceed the sub-command cap, and payloads must not
// exceed the size cap.
func (p Policy) CheckCall(capability, method string, args map[string]any, payloadBytes int) error {
	if payloadBytes > p.MaxPayloadBytes {
		return fmt.Errorf("capability payload of %d bytes exceeds the %d byte cap", payloadBytes, p.MaxPayloadBytes)
	}

	if capability != "data_source" {
		return nil
	}

	switch capabilities.ClassifyMethod(method) {
	case capabilities.MethodDangerous:
		return fmt.Errorf("capability method %q is statically refused", method)
	case capabilities.MethodUnknown:
		return fmt.Errorf("capability method %q is not declared safe", method)
	}

	if capabilities.IsListMethod(method) {
		if _, hasFilter := args["filter"]; !hasFilter {
			return fmt.Errorf("list method %q requires a filter argument", method)
		}
		if limit, ok := args["limit"]; ok {
			n, ok := toInt(limit)
			if !ok || n > p.MaxListRows {
				return fmt.Errorf("list method %q requested limit exceeds the %d row cap", method, p.MaxListRows)
			}
		}
	}

	if subCmds, ok := args["batch"].([]any); ok && len(subCmds) > p.MaxBatchSubCmds {
		return fmt.Errorf("batched call exceeds the %d sub-command cap", p.MaxBatchSubCmds)
	}

	return nil
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}
