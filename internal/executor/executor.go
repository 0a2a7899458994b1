package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/normanking/taskengine/internal/capabilities"
	"github.com/normanking/taskengine/internal/logging"
	"github.com/normanking/taskengine/internal/taskerrors"
)

// Envelope is the set of capabilities injected into one execution: a
// whitelisted RPC surface against the primary data source, bounded text
// generation, a structured logger with no side channels, and a progress
// callback the orchestrator wires to the Task's progress field (and, via
// the dispatcher's mirror, to any attached local observer).
type Envelope struct {
	DataSource  capabilities.DataSource
	LLM         capabilities.LLM
	ObjectStore capabilities.ObjectStore
	Logger      *logging.Logger
	Progress    func(percentage float64, message string)
	// MemoryTierMB caps the cumulative JSON-marshaled size of step
	// outputs this run may accumulate in vars before Run fails with
	// ResourceExceeded. Zero falls back to the policy's default tier.
	MemoryTierMB int
}

// CancelChecker is the cooperative-cancellation checkpoint: the executor
// consults it between steps and raises a typed Cancelled error if the
// orchestrator has marked the task cancelled in the store.
type CancelChecker interface {
	IsCancelled(ctx context.Context, taskID string) (bool, error)
}

// Executor runs one parsed script against an envelope under a policy.
type Executor struct {
	policy  Policy
	cancels CancelChecker
}

// New creates an Executor. cancels may be nil, in which case cooperative
// cancellation checkpoints are skipped (tests that don't exercise
// cancellation).
func New(policy Policy, cancels CancelChecker) *Executor {
	return &Executor{policy: policy, cancels: cancels}
}

// Policy returns the policy this executor enforces, so callers can derive
// task-level defaults (e.g. the memory tier a task gets when its own
// estimate doesn't override it) from the same values CheckCall uses.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Result is the outcome of one execution.
type Result struct {
	State       State
	Vars        map[string]any
	Attachments []string
	Err         *taskerrors.TaskError
	AtStep      string
}

// Run validates then executes raw against env for taskID, enforcing the
// state machine loaded -> validated -> running -> terminal throughout.
func (e *Executor) Run(ctx context.Context, taskID string, raw string, parameters map[string]any, env Envelope) Result {
	state := StateLoaded

	if err := ValidateScript(raw); err != nil {
		return Result{State: advance(state, StateFailed), Err: taskerrors.New(taskerrors.ScriptInvalid, err.Error())}
	}
	script, err := ParseScript(raw)
	if err != nil {
		return Result{State: advance(state, StateFailed), Err: taskerrors.New(taskerrors.ScriptInvalid, err.Error())}
	}
	state = advance(state, StateValidated)

	state = advance(state, StateRunning)
	runCtx, cancel := context.WithTimeout(ctx, e.policy.MaxWallClock)
	defer cancel()

	memoryTierMB := env.MemoryTierMB
	if memoryTierMB <= 0 {
		memoryTierMB = e.policy.DefaultMemoryTierMB
	}
	memoryBudgetBytes := memoryTierMB * 1024 * 1024
	var memoryUsedBytes int

	vars := make(map[string]any, len(script.Steps))
	var attachments []string
	for i, step := range script.Steps {
		stepLabel := fmt.Sprintf("step_%d", i)

		if e.cancels != nil {
			cancelled, cerr := e.cancels.IsCancelled(runCtx, taskID)
			if cerr == nil && cancelled {
				return Result{State: StateCancelled, Err: taskerrors.New(taskerrors.Cancelled, "task cancelled before step "+stepLabel), AtStep: stepLabel}
			}
		}

		select {
		case <-runCtx.Done():
			return e.timeoutOrCancelled(runCtx, stepLabel)
		default:
		}

		out, err := e.runStep(runCtx, step, parameters, vars, env)
		if err != nil {
			te := taskerrors.FromError(err).WithStep(stepLabel)
			if runCtx.Err() != nil {
				return e.timeoutOrCancelled(runCtx, stepLabel)
			}
			return Result{State: StateFailed, Err: te, AtStep: stepLabel}
		}
		if step.SaveAs != "" {
			if outBytes, merr := json.Marshal(out); merr == nil {
				memoryUsedBytes += len(outBytes)
			}
			if memoryUsedBytes > memoryBudgetBytes {
				te := taskerrors.New(taskerrors.ResourceExceeded,
					fmt.Sprintf("accumulated step output of %d bytes exceeds the %d MB memory tier", memoryUsedBytes, memoryTierMB)).WithStep(stepLabel)
				return Result{State: StateFailed, Err: te, AtStep: stepLabel}
			}
			vars[step.SaveAs] = out
		}
		if step.Capability == "object_store" && step.Method == "put" {
			if url, ok := out.(string); ok && url != "" {
				attachments = append(attachments, url)
			}
		}
	}

	return Result{State: StateCompleted, Vars: vars, Attachments: attachments}
}

func (e *Executor) timeoutOrCancelled(ctx context.Context, step string) Result {
	if ctx.Err() == context.Canceled {
		return Result{State: StateCancelled, Err: taskerrors.New(taskerrors.Cancelled, "execution cancelled"), AtStep: step}
	}
	return Result{State: StateTimedOut, Err: taskerrors.New(taskerrors.Timeout, "wall clock exceeded"), AtStep: step}
}

func (e *Executor) runStep(ctx context.Context, step Step, parameters, vars map[string]any, env Envelope) (any, error) {
	args := resolveArgs(step.Args, parameters, vars)

	payload, _ := json.Marshal(args)
	if err := e.policy.CheckCall(step.Capability, step.Method, args, len(payload)); err != nil {
		return nil, taskerrors.New(taskerrors.CapabilityRefused, err.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, e.policy.MaxCallWallClock)
	defer cancel()

	switch step.Capability {
	case "data_source":
		if env.DataSource == nil {
			return nil, taskerrors.New(taskerrors.InternalInvariant, "no data source capability injected")
		}
		return env.DataSource.Call(callCtx, step.Method, args)

	case "llm":
		prompt, _ := args["prompt"].(string)
		systemPrompt, _ := args["system_prompt"].(string)
		if env.LLM == nil {
			return nil, taskerrors.New(taskerrors.InternalInvariant, "no LLM capability injected")
		}
		return env.LLM.Chat(callCtx, []capabilities.ChatMessage{{Role: "user", Content: prompt}}, systemPrompt)

	case "object_store":
		if env.ObjectStore == nil {
			return nil, taskerrors.New(taskerrors.InternalInvariant, "no object store capability injected")
		}
		data, _ := args["data"].(string)
		contentType, _ := args["content_type"].(string)
		disposition, _ := args["content_disposition"].(string)
		metadata := map[string]string{}
		if m, ok := args["metadata"].(map[string]any); ok {
			for k, v := range m {
				if s, ok := v.(string); ok {
					metadata[k] = s
				}
			}
		}
		return env.ObjectStore.Put(callCtx, []byte(data), contentType, disposition, metadata)

	case "progress":
		pct, _ := toFloat(args["percentage"])
		msg, _ := args["message"].(string)
		if env.Progress != nil {
			env.Progress(pct, msg)
		}
		return nil, nil

	case "logger":
		msg, _ := args["message"].(string)
		if env.Logger != nil {
			env.Logger.Info("[script %s] %s", step.Method, msg)
		}
		return nil, nil

	default:
		return nil, taskerrors.New(taskerrors.ScriptInvalid, fmt.Sprintf("unknown capability %q", step.Capability))
	}
}

// resolveArgs substitutes "{{name}}" placeholders with task parameters or
// a prior step's saved result.
func resolveArgs(raw map[string]any, parameters, vars map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			if name, isRef := placeholder(s); isRef {
				if pv, ok := parameters[name]; ok {
					out[k] = pv
					continue
				}
				if vv, ok := vars[name]; ok {
					out[k] = vv
					continue
				}
			}
		}
		out[k] = v
	}
	return out
}

func placeholder(s string) (string, bool) {
	if len(s) > 4 && s[:2] == "{{" && s[len(s)-2:] == "}}" {
		return s[2 : len(s)-2], true
	}
	return "", false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

func advance(from, to State) State {
	if !canTransition(from, to) {
		panic(fmt.Sprintf("illegal execution state transition %s -> %s", from, to))
	}
	return to
}
