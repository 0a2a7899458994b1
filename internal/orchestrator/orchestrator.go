package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/normanking/taskengine/internal/capabilities"
	"github.com/normanking/taskengine/internal/coercer"
	"github.com/normanking/taskengine/internal/executor"
	"github.com/normanking/taskengine/internal/logging"
	"github.com/normanking/taskengine/internal/reasoningmemory"
	"github.com/normanking/taskengine/internal/registry"
	"github.com/normanking/taskengine/internal/taskerrors"
	"golang.org/x/sync/semaphore"
)

const (
	defaultDispatchTarget  = "execute_task"
	defaultDispatchWeight  = 4
	repairMemoryCount      = 5
	maxRepairMemoryReasons = 2
)

// LLM is the narrow capability the repair loop and utterance-extraction
// path need: one bounded completion call.
type LLM interface {
	Chat(ctx context.Context, messages []capabilities.ChatMessage, systemPrompt string) (string, error)
}

// Orchestrator is the Orchestrator (C6): task creation, dispatch,
// execution, cancellation, and the repair/retry loop, tying together the
// Template Registry, Parameter Coercer, Sandboxed Executor, and Reasoning
// Memory.
type Orchestrator struct {
	store       *Store
	registry    *registry.Registry
	memory      *reasoningmemory.Service
	executor    *executor.Executor
	dispatcher  *capabilities.Dispatcher
	dataSource  capabilities.DataSource
	llm         LLM
	repairLLM   LLM
	graderLLM   LLM
	objectStore capabilities.ObjectStore
	progress    *capabilities.ProgressMirror
	sem         *semaphore.Weighted
	log         *logging.Logger
}

type Options struct {
	DispatchWeight int64
	ObjectStore    capabilities.ObjectStore
	// RepairLLM serves the repair loop's script-regeneration call; it
	// falls back to the primary LLM when nil.
	RepairLLM LLM
	// GraderLLM judges a repair candidate before it is accepted; grading
	// is skipped (repair always proceeds) when nil.
	GraderLLM LLM
}

func New(
	store *Store,
	reg *registry.Registry,
	mem *reasoningmemory.Service,
	exec *executor.Executor,
	dispatcher *capabilities.Dispatcher,
	dataSource capabilities.DataSource,
	llm LLM,
	progress *capabilities.ProgressMirror,
	opts Options,
) *Orchestrator {
	weight := opts.DispatchWeight
	if weight <= 0 {
		weight = defaultDispatchWeight
	}
	repairLLM := opts.RepairLLM
	if repairLLM == nil {
		repairLLM = llm
	}
	o := &Orchestrator{
		store:       store,
		registry:    reg,
		memory:      mem,
		executor:    exec,
		dispatcher:  dispatcher,
		dataSource:  dataSource,
		llm:         llm,
		repairLLM:   repairLLM,
		graderLLM:   opts.GraderLLM,
		objectStore: opts.ObjectStore,
		progress:    progress,
		sem:         semaphore.NewWeighted(weight),
		log:         logging.Global().WithComponent("Orchestrator"),
	}
	dispatcher.Register(defaultDispatchTarget, o.onDispatch)
	return o
}

// IsCancelled satisfies executor.CancelChecker by consulting the store.
func (o *Orchestrator) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	t, err := o.store.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	return t.Status == StatusCancelled, nil
}

// CreateFromTemplate validates parameters, persists a pending Task, and
// enqueues it with the dispatch capability.
func (o *Orchestrator) CreateFromTemplate(ctx context.Context, templateID string, parameters map[string]any, userID string, opts CreateOpts) (*TaskRef, error) {
	tmpl, err := o.registry.Get(ctx, templateID)
	if err != nil {
		return nil, taskerrors.New(taskerrors.TemplateNotFound, fmt.Sprintf("template %q not found", templateID))
	}

	validated, err := validateParameters(parameters, tmpl.ParameterSchema)
	if err != nil {
		return nil, taskerrors.New(taskerrors.ParameterValidation, err.Error())
	}

	priority := opts.Priority
	if priority == 0 {
		priority = tmpl.Priority
	}
	if priority == 0 {
		priority = defaultPriority
	}

	estimate := o.estimateCost(tmpl, validated)
	task := &Task{
		TaskID:          newTaskID(nowMS(), o.suffixFor(ctx, tmpl.Category, opts.UtteranceText)),
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		Status:          StatusPending,
		Priority:        priority,
		Testing:         opts.Testing,
		Parameters:      validated,
		CostEstimate:    &estimate,
		UserID:          userID,
	}
	if err := o.store.Insert(ctx, task); err != nil {
		return nil, err
	}

	if err := o.enqueue(ctx, task); err != nil {
		return nil, err
	}

	return &TaskRef{TaskID: task.TaskID, Status: StatusQueued, TemplateID: task.TemplateID}, nil
}

// AutoCreateFromUtterance resolves a template from free text, extracts or
// reuses parameters, and creates the task; returns nil when no template
// clears the match floor.
func (o *Orchestrator) AutoCreateFromUtterance(ctx context.Context, text string, userID string, enhancedParameters map[string]any) (*TaskRef, error) {
	match, err := o.registry.FindByUtterance(ctx, text, registry.MatchOpts{})
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, nil
	}

	parameters := enhancedParameters
	if parameters == nil {
		parameters, err = o.extractParameters(ctx, text, match.Template)
		if err != nil {
			schema, parseErr := coercer.ParseSchema(match.Template.ParameterSchema)
			if parseErr != nil {
				return nil, taskerrors.New(taskerrors.ParameterValidation, "no extractable parameters and schema unreadable")
			}
			parameters = schemaDefaults(schema)
		}
	}

	return o.CreateFromTemplate(ctx, match.Template.ID, parameters, userID, CreateOpts{UtteranceText: text})
}

func (o *Orchestrator) extractParameters(ctx context.Context, text string, tmpl *registry.Template) (map[string]any, error) {
	if o.llm == nil {
		return nil, fmt.Errorf("no llm configured")
	}
	prompt := fmt.Sprintf(
		"Extract parameters for template %q from the following request, conforming to this JSON schema:\n%s\n\nTODAY: %s\n\nREQUEST: %s\n\nRespond with a single JSON object of parameter values only.",
		tmpl.Name, string(tmpl.ParameterSchema), time.Now().UTC().Format("2006-01-02"), text,
	)
	reply, err := o.llm.Chat(ctx, []capabilities.ChatMessage{{Role: "user", Content: prompt}}, "You extract structured task parameters.")
	if err != nil {
		return nil, err
	}
	parsed, err := parseJSONObject(reply)
	if err != nil {
		return nil, err
	}
	return parsed, nil
}

// Cancel marks a task cancelled and asks the dispatcher to drop its
// pending delivery; an in-flight execution observes the flag cooperatively.
func (o *Orchestrator) Cancel(ctx context.Context, taskID, callerID string) error {
	t, err := o.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.terminal() {
		return nil
	}
	if err := o.store.Cancel(ctx, taskID); err != nil {
		return err
	}
	if t.Execution.DispatchHandle != "" {
		o.dispatcher.Cancel(capabilities.DispatchHandle(t.Execution.DispatchHandle))
	}
	return nil
}

// onDispatch is the dispatch capability's callback -- the execute path.
func (o *Orchestrator) onDispatch(ctx context.Context, payload capabilities.DispatchPayload) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.sem.Release(1)

	if err := o.Execute(ctx, payload.TaskID); err != nil {
		o.log.Error("execute %s: %v", payload.TaskID, err)
	}
}

// Execute runs one task's script and threads it through completion,
// failure, or the repair loop.
func (o *Orchestrator) Execute(ctx context.Context, taskID string) error {
	t, err := o.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != StatusPending && t.Status != StatusQueued {
		return nil
	}

	o.registry.Invalidate(t.TemplateID)
	tmpl, err := o.registry.Get(ctx, t.TemplateID)
	if err != nil {
		return taskerrors.New(taskerrors.TemplateNotFound, err.Error())
	}

	if err := o.store.SetRunning(ctx, taskID); err != nil {
		return err
	}

	memoryTierMB := 0
	if t.CostEstimate != nil {
		memoryTierMB = t.CostEstimate.MemoryTierMB
	}
	env := executor.Envelope{
		DataSource:   o.dataSource,
		LLM:          llmAsCapability(o.llm),
		ObjectStore:  o.objectStore,
		Logger:       o.log,
		MemoryTierMB: memoryTierMB,
		Progress: func(percentage float64, message string) {
			o.store.SetProgress(ctx, taskID, int(percentage), message)
			if o.progress != nil {
				o.progress.Publish(capabilities.ProgressEvent{TaskID: taskID, Percentage: percentage, Message: message, At: time.Now().UTC()})
			}
		},
	}

	started := time.Now()
	result := o.executor.Run(ctx, taskID, tmpl.ExecutionScript, t.Parameters, env)
	elapsed := time.Since(started)

	switch result.State {
	case executor.StateCompleted:
		res := Result{
			Summary:         summarizeVars(result.Vars),
			Attachments:     result.Attachments,
			ExecutionTimeMS: elapsed.Milliseconds(),
			ResourceUsage:   map[string]any{"wall_clock_ms": elapsed.Milliseconds()},
		}
		if err := o.store.Complete(ctx, taskID, res); err != nil {
			return err
		}
		o.recordTrajectorySuccess(ctx, t, tmpl, elapsed)
		return nil
	default:
		taskErr := result.Err
		if taskErr == nil {
			taskErr = taskerrors.New(taskerrors.InternalInvariant, "execution ended without a result")
		}
		entry := ErrorEntry{At: time.Now().UTC(), Type: taskErr.Type, Message: taskErr.Message, Step: result.AtStep}
		if err := o.store.AppendError(ctx, taskID, entry); err != nil {
			return err
		}
		if result.State == executor.StateCancelled {
			return nil
		}
		return o.attemptRepair(ctx, t, tmpl, taskErr, elapsed)
	}
}

func (o *Orchestrator) recordTrajectorySuccess(ctx context.Context, t *Task, tmpl *registry.Template, elapsed time.Duration) {
	if o.memory == nil {
		return
	}
	o.memory.ExtractFromSuccess(ctx, reasoningmemory.Trajectory{
		TemplateID:     tmpl.ID,
		TaskID:         t.TaskID,
		Parameters:     t.Parameters,
		CompletionTime: elapsed,
	})
}

// attemptRepair runs the repair loop (§4.3) over a failed execution,
// falling through to a hard failure whenever repair declines.
func (o *Orchestrator) attemptRepair(ctx context.Context, t *Task, tmpl *registry.Template, taskErr *taskerrors.TaskError, elapsed time.Duration) error {
	if taskErr.Type.DisablesRepair() {
		return o.store.SetStatus(ctx, t.TaskID, StatusFailed)
	}
	if RetryDepth(t.TaskID) >= maxRetryDepth {
		return o.store.SetStatus(ctx, t.TaskID, StatusFailedMaxRetries)
	}

	if o.memory != nil {
		o.memory.ExtractFromFailure(ctx, reasoningmemory.Trajectory{
			TemplateID:     tmpl.ID,
			TaskID:         t.TaskID,
			Parameters:     t.Parameters,
			CompletionTime: elapsed,
			Error:          &reasoningmemory.ErrorInfo{Type: string(taskErr.Type), Message: taskErr.Message, Step: taskErr.Step},
		})
	}

	newScript, err := o.repairScript(ctx, t, tmpl, taskErr)
	if err != nil {
		o.log.Info("repair declined for %s: %v", t.TaskID, err)
		return o.store.SetStatus(ctx, t.TaskID, StatusFailed)
	}

	if _, err := o.registry.MarkRepaired(ctx, tmpl.ID, newScript); err != nil {
		return err
	}

	if o.memory != nil {
		o.memory.ExtractFromRepair(ctx, reasoningmemory.RepairContext{
			TemplateID:    tmpl.ID,
			TaskID:        t.TaskID,
			OriginalError: reasoningmemory.ErrorInfo{Type: string(taskErr.Type), Message: taskErr.Message, Step: taskErr.Step},
			NewScript:     newScript,
			Succeeded:     true,
		})
	}

	repaired, err := o.registry.Get(ctx, tmpl.ID)
	if err != nil {
		return err
	}

	_, err = o.RetryWithRepairedTemplate(ctx, t.TaskID, RepairResult{
		OriginalError:           taskErr,
		RepairedTemplateVersion: repaired.Version,
	}, t.UserID)
	return err
}

// repairScript executes steps 1-3 of the repair loop: retrieve lessons,
// ask the LLM for a minimally modified script, and validate the result.
func (o *Orchestrator) repairScript(ctx context.Context, t *Task, tmpl *registry.Template, taskErr *taskerrors.TaskError) (string, error) {
	if taskErr.Type == taskerrors.UpstreamQuota || taskErr.Type == taskerrors.UpstreamUnavailable {
		return "", fmt.Errorf("error class %s declines repair", taskErr.Type)
	}
	if o.repairLLM == nil {
		return "", fmt.Errorf("no llm configured for repair")
	}

	var lessons []*reasoningmemory.Memory
	if o.memory != nil {
		query := fmt.Sprintf("%s. %s", taskErr.Message, taskErr.Step)
		lessons, _ = o.memory.Retrieve(ctx, query, repairMemoryCount, reasoningmemory.RetrieveFilters{TemplateID: tmpl.ID})
	}

	prompt := fmt.Sprintf(
		"Given the following script, the error, and these lessons, produce a minimally modified script that preserves behaviour and fixes the failure.\n\nSCRIPT:\n%s\n\nERROR: %s: %s (step %s)\n\nLESSONS:\n%s\n\nSCHEMA:\n%s\n\nRespond with the corrected script as a JSON array only.",
		tmpl.ExecutionScript, taskErr.Type, taskErr.Message, taskErr.Step, formatLessons(lessons), string(tmpl.ParameterSchema),
	)
	reply, err := o.repairLLM.Chat(ctx, []capabilities.ChatMessage{{Role: "user", Content: prompt}}, "You repair task execution scripts.")
	if err != nil {
		return "", err
	}
	candidate := extractJSONArray(reply)
	if candidate == "" {
		return "", fmt.Errorf("llm returned no parseable script")
	}
	if err := executor.ValidateScript(candidate); err != nil {
		return "", err
	}
	if _, err := executor.ParseScript(candidate); err != nil {
		return "", err
	}
	if !o.gradeRepair(ctx, tmpl.ExecutionScript, candidate, taskErr) {
		return "", fmt.Errorf("repair candidate graded as unlikely to fix the error")
	}
	return candidate, nil
}

// gradeRepair asks the grading role whether candidate plausibly fixes
// taskErr without changing the script's intent. Grading is advisory: a
// missing grader or a failed grading call does not block repair.
func (o *Orchestrator) gradeRepair(ctx context.Context, original, candidate string, taskErr *taskerrors.TaskError) bool {
	if o.graderLLM == nil {
		return true
	}
	prompt := fmt.Sprintf(
		"ORIGINAL SCRIPT:\n%s\n\nERROR: %s: %s (step %s)\n\nCANDIDATE FIX:\n%s\n\nDoes the candidate fix plausibly resolve the error while preserving the original script's intent? Respond with exactly one word: yes or no.",
		original, taskErr.Type, taskErr.Message, taskErr.Step, candidate,
	)
	reply, err := o.graderLLM.Chat(ctx, []capabilities.ChatMessage{{Role: "user", Content: prompt}}, "You grade proposed script repairs.")
	if err != nil {
		return true
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(reply)), "y")
}

// RepairResult is what the repair loop hands to retry-with-repair.
type RepairResult struct {
	OriginalError           *taskerrors.TaskError
	Attempt                 int
	RepairedTemplateVersion int
}

// RetryWithRepairedTemplate implements §4.2's retry-with-repair path.
func (o *Orchestrator) RetryWithRepairedTemplate(ctx context.Context, originTaskID string, repair RepairResult, userID string) (*TaskRef, error) {
	if RetryDepth(originTaskID) >= maxRetryDepth {
		o.store.SetStatus(ctx, originTaskID, StatusFailedMaxRetries)
		return nil, nil
	}

	live, err := o.store.ListChildren(ctx, originTaskID, []Status{StatusPending, StatusQueued, StatusRunning})
	if err != nil {
		return nil, err
	}
	if len(live) > 0 {
		return nil, nil
	}

	origin, err := o.store.Get(ctx, originTaskID)
	if err != nil {
		return nil, err
	}

	attempt := repair.Attempt
	if attempt == 0 {
		attempt = RetryDepth(originTaskID) + 1
	}
	errMsg := ""
	if repair.OriginalError != nil {
		errMsg = repair.OriginalError.Error()
	}
	if err := o.store.MarkAutoRepaired(ctx, originTaskID, AutoRepairInfo{
		OriginalError:           errMsg,
		Attempt:                 attempt,
		RepairedTemplateVersion: repair.RepairedTemplateVersion,
	}); err != nil {
		return nil, err
	}

	if userID == "" {
		userID = origin.UserID
	}
	if userID == "" {
		return nil, taskerrors.New(taskerrors.InternalInvariant, "cannot resolve calling user for retry")
	}

	retry := &Task{
		TaskID:          retryTaskID(originTaskID, attempt, nowMS()),
		TemplateID:      origin.TemplateID,
		TemplateVersion: repair.RepairedTemplateVersion,
		Status:          StatusPending,
		Priority:        origin.Priority,
		Testing:         true,
		Parameters:      origin.Parameters,
		ParentTaskID:    originTaskID,
		RetryAttempt:    attempt,
		UserID:          userID,
	}
	if err := o.store.Insert(ctx, retry); err != nil {
		return nil, err
	}
	if err := o.enqueue(ctx, retry); err != nil {
		return nil, err
	}

	return &TaskRef{TaskID: retry.TaskID, Status: StatusQueued, TemplateID: retry.TemplateID}, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, t *Task) error {
	handle, err := o.dispatcher.Enqueue(defaultDispatchTarget, capabilities.DispatchPayload{
		TaskID:   t.TaskID,
		Priority: t.Priority,
	}, 0)
	if err != nil {
		return err
	}
	return o.store.SetDispatch(ctx, t.TaskID, string(handle))
}

func validateParameters(parameters map[string]any, rawSchema []byte) (map[string]any, error) {
	schema, err := coercer.ParseSchema(rawSchema)
	if err != nil {
		return nil, err
	}
	return coercer.Validate(parameters, schema)
}

func schemaDefaults(schema *coercer.Schema) map[string]any {
	out := map[string]any{}
	if schema == nil {
		return out
	}
	for name, prop := range schema.Properties {
		if prop.Default != nil {
			out[name] = prop.Default
		}
	}
	return out
}

func suffixFromCategory(category []string) string {
	if len(category) == 0 {
		return "task"
	}
	return strings.ToLower(category[0])
}

// suffixFor derives the task-id suffix from the template category and,
// when available, an LLM reading of the triggering user text; it falls
// back to the category-only form on a missing LLM, empty text, or any
// failure translating the reply into a usable slug.
func (o *Orchestrator) suffixFor(ctx context.Context, category []string, userText string) string {
	base := suffixFromCategory(category)
	if o.llm == nil || strings.TrimSpace(userText) == "" {
		return base
	}
	prompt := fmt.Sprintf(
		"Produce a short lowercase task-id slug (3-20 chars, letters/digits/underscore only) summarizing this request, prefixed by its category %q.\n\nREQUEST: %s\n\nRespond with the slug only, no punctuation or explanation.",
		base, userText,
	)
	reply, err := o.llm.Chat(ctx, []capabilities.ChatMessage{{Role: "user", Content: prompt}}, "You generate short task-id slugs.")
	if err != nil {
		return base
	}
	slug := clipSuffix(strings.TrimSpace(reply))
	if len(slug) < 3 {
		return base
	}
	return slug
}

// estimateCost projects the task's steps, duration, and memory tier from
// the template's own estimates, scaling duration linearly when a
// date-range parameter spans more than a year.
func (o *Orchestrator) estimateCost(tmpl *registry.Template, parameters map[string]any) CostEstimate {
	steps := tmpl.EstimatedSteps
	if steps <= 0 {
		steps = 1
	}
	duration := tmpl.EstimatedDurationMS
	if duration <= 0 {
		duration = 5000
	}
	if scale := dateRangeScale(parameters); scale > 1 {
		duration = int64(float64(duration) * scale)
	}
	return CostEstimate{
		Steps:        steps,
		DurationMS:   duration,
		Complexity:   complexityBucket(steps),
		MemoryTierMB: o.executor.Policy().DefaultMemoryTierMB,
	}
}

// dateRangeScale looks for a {start, end} ISO-8601 date-range parameter
// (see coercer's "date-range" format) and returns the span in years,
// floored at 1 so a sub-year range leaves duration unscaled.
func dateRangeScale(parameters map[string]any) float64 {
	best := 1.0
	for _, v := range parameters {
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		startStr, ok1 := obj["start"].(string)
		endStr, ok2 := obj["end"].(string)
		if !ok1 || !ok2 {
			continue
		}
		start, err := time.Parse("2006-01-02", startStr)
		if err != nil {
			continue
		}
		end, err := time.Parse("2006-01-02", endStr)
		if err != nil {
			continue
		}
		years := end.Sub(start).Hours() / (24 * 365)
		if years > best {
			best = years
		}
	}
	return best
}

// complexityBucket classifies a template's estimated step count into a
// coarse label used for display and prioritization.
func complexityBucket(steps int) string {
	switch {
	case steps <= 2:
		return "low"
	case steps <= 6:
		return "medium"
	default:
		return "high"
	}
}

func nowMS() int64 {
	return time.Now().UTC().UnixMilli()
}

func summarizeVars(vars map[string]any) string {
	if len(vars) == 0 {
		return "completed with no saved results"
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	return fmt.Sprintf("completed, saved: %s", strings.Join(keys, ", "))
}

func formatLessons(memories []*reasoningmemory.Memory) string {
	if len(memories) == 0 {
		return "(none retrieved)"
	}
	var b strings.Builder
	for _, m := range memories {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", m.Category, m.Title, m.Content)
	}
	return b.String()
}

// llmAsCapability adapts the orchestrator's narrow LLM to capabilities.LLM.
func llmAsCapability(l LLM) capabilities.LLM {
	if l == nil {
		return nil
	}
	return capabilityLLM{l}
}

type capabilityLLM struct{ llm LLM }

func (c capabilityLLM) Chat(ctx context.Context, messages []capabilities.ChatMessage, systemPrompt string) (string, error) {
	return c.llm.Chat(ctx, messages, systemPrompt)
}

func parseJSONObject(raw string) (map[string]any, error) {
	raw = extractJSONObject(raw)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return s[start : end+1]
}

func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return s[start : end+1]
}
