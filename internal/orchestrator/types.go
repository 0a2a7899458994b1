// Package orchestrator implements the Orchestrator (C6): task creation
// (direct and utterance-driven), dispatch, execution, cancellation, and
// the repair/retry loop, tying together the Template Registry, Parameter
// Coercer, Sandboxed Executor, and Reasoning Memory.
package orchestrator

import (
	"time"

	"github.com/normanking/taskengine/internal/taskerrors"
)

// Status is one stage of a Task's lifecycle.
type Status string

const (
	StatusPending           Status = "pending"
	StatusQueued            Status = "queued"
	StatusRunning           Status = "running"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
	StatusAutoRepaired      Status = "auto_repaired"
	StatusFailedMaxRetries  Status = "failed_max_retries"
)

// terminal reports whether a status is never re-enqueued. auto_repaired
// is terminal for the original record -- the repair spawns a retry task
// with its own id rather than re-running this one.
func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusFailedMaxRetries, StatusAutoRepaired:
		return true
	default:
		return false
	}
}

// Progress tracks a running task's reported completion.
type Progress struct {
	Percentage    int       `json:"percentage"`
	Message       string    `json:"message"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
}

// Execution holds the dispatch-facing fields of a task.
type Execution struct {
	DispatchHandle string     `json:"dispatch_handle,omitempty"`
	WorkerID       string     `json:"worker_id,omitempty"`
	EnqueuedAt     *time.Time `json:"enqueued_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

// Result holds the success-path output of a task.
type Result struct {
	Summary         string         `json:"summary,omitempty"`
	Attachments     []string       `json:"attachments,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms,omitempty"`
	ResourceUsage   map[string]any `json:"resource_usage,omitempty"`
}

// ErrorEntry is one append-only entry in a Task's errors[].
type ErrorEntry struct {
	At       time.Time       `json:"at"`
	Type     taskerrors.Type `json:"type"`
	Message  string          `json:"message"`
	Step     string          `json:"step,omitempty"`
	Resolved bool            `json:"resolved"`
}

// AutoRepairInfo is attached to the original task when a repair attempt
// is underway.
type AutoRepairInfo struct {
	OriginalError          string `json:"original_error"`
	Attempt                int    `json:"attempt"`
	RepairedTemplateVersion int    `json:"repaired_template_version"`
}

// CostEstimate is computed on the creation path from template metadata
// adjusted by parameter magnitudes (e.g. a multi-year date-range
// parameter scales duration_ms linearly) and attached to the task before
// it is persisted. MemoryTierMB doubles as the executor's per-task
// memory budget.
type CostEstimate struct {
	Steps        int    `json:"steps"`
	DurationMS   int64  `json:"duration_ms"`
	Complexity   string `json:"complexity"`
	MemoryTierMB int    `json:"memory_tier_mb"`
}

// Task is one execution attempt of a template instance.
type Task struct {
	TaskID          string
	TemplateID      string
	TemplateVersion int
	Status          Status
	Priority        int
	Testing         bool
	Parameters      map[string]any
	Progress        Progress
	Execution       Execution
	Result          *Result
	Errors          []ErrorEntry
	ParentTaskID    string
	RetryAttempt    int
	AutoRepairInfo  *AutoRepairInfo
	CostEstimate    *CostEstimate
	UserID          string
	ExpiresAt       time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CreateOpts parameterizes create_from_template.
type CreateOpts struct {
	Priority int
	Testing  bool
	// UtteranceText is the triggering free-text request, when the task was
	// created via AutoCreateFromUtterance; it feeds the LLM-assisted
	// task-id suffix.
	UtteranceText string
}

// TaskRef is the lightweight handle returned by creation operations.
type TaskRef struct {
	TaskID     string
	Status     Status
	TemplateID string
}

const (
	defaultPriority    = 50
	maxRetryDepth      = 3
	defaultExpiry      = 7 * 24 * time.Hour
	defaultConfidence  = 0.85
)
