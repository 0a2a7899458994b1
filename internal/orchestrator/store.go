package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a task_id has no row.
var ErrNotFound = errors.New("orchestrator: task not found")

// ErrAlreadyExists is returned by Insert when the task_id is already taken.
var ErrAlreadyExists = errors.New("orchestrator: task id already exists")

// Store is the SQLite-backed persistence layer for tasks.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert persists a new task with the status it carries.
func (s *Store) Insert(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.ExpiresAt.IsZero() {
		t.ExpiresAt = now.Add(defaultExpiry)
	}
	if t.Priority == 0 {
		t.Priority = defaultPriority
	}

	params, err := json.Marshal(orEmptyMap(t.Parameters))
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	errs, err := json.Marshal(orEmptyErrors(t.Errors))
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	var repairJSON []byte
	if t.AutoRepairInfo != nil {
		repairJSON, _ = json.Marshal(t.AutoRepairInfo)
	}
	var costJSON []byte
	if t.CostEstimate != nil {
		costJSON, _ = json.Marshal(t.CostEstimate)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			task_id, template_id, template_version, status, priority, testing, parameters,
			progress_percentage, progress_message, progress_last_heartbeat,
			dispatch_handle, worker_id, enqueued_at, started_at, cancelled_at,
			result_summary, result_attachments, result_execution_time_ms, result_resource_usage,
			errors, parent_task_id, retry_attempt, auto_repair_info, cost_estimate,
			user_id, expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.TaskID, t.TemplateID, t.TemplateVersion, string(t.Status), t.Priority, t.Testing, string(params),
		t.Progress.Percentage, t.Progress.Message, nullTimePtr(nilIfZero(t.Progress.LastHeartbeat)),
		nullStr(t.Execution.DispatchHandle), nullStr(t.Execution.WorkerID),
		nullTimePtr(t.Execution.EnqueuedAt), nullTimePtr(t.Execution.StartedAt), nullTimePtr(t.Execution.CancelledAt),
		nil, "[]", nil, nil,
		string(errs), nullStr(t.ParentTaskID), nullRetryAttempt(t),
		nullBytes(repairJSON), nullBytes(costJSON),
		t.UserID, t.ExpiresAt.Format(time.RFC3339), t.CreatedAt.Format(time.RFC3339), t.UpdatedAt.Format(time.RFC3339),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// Get retrieves a task by id.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// SetStatus transitions a task's status field-level, avoiding a full
// document rewrite that could clobber concurrent progress updates.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

// SetRunning marks a task running and stamps started_at.
func (s *Store) SetRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, started_at = ?, updated_at = ? WHERE task_id = ?`,
		string(StatusRunning), now.Format(time.RFC3339), now.Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

// SetDispatch records the dispatch handle and enqueued_at after a
// successful enqueue.
func (s *Store) SetDispatch(ctx context.Context, id, handle string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, dispatch_handle = ?, enqueued_at = ?, updated_at = ? WHERE task_id = ?`,
		string(StatusQueued), handle, now.Format(time.RFC3339), now.Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

// SetProgress updates only the progress fields.
func (s *Store) SetProgress(ctx context.Context, id string, percentage int, message string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET progress_percentage = ?, progress_message = ?, progress_last_heartbeat = ?, updated_at = ? WHERE task_id = ?`,
		percentage, message, now.Format(time.RFC3339), now.Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

// AppendError appends one structured error entry, rewriting the JSON
// column wholesale (SQLite has no native array-append).
func (s *Store) AppendError(ctx context.Context, id string, entry ErrorEntry) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	t.Errors = append(t.Errors, entry)
	errs, err := json.Marshal(t.Errors)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET errors = ?, updated_at = ? WHERE task_id = ?`,
		string(errs), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

// Complete marks a task completed with its result.
func (s *Store) Complete(ctx context.Context, id string, result Result) error {
	attachments, _ := json.Marshal(orEmptyStrings(result.Attachments))
	usage, _ := json.Marshal(result.ResourceUsage)
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, progress_percentage = 100,
			result_summary = ?, result_attachments = ?, result_execution_time_ms = ?, result_resource_usage = ?,
			updated_at = ?
		WHERE task_id = ?
	`, string(StatusCompleted), result.Summary, string(attachments), result.ExecutionTimeMS, string(usage),
		now.Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

// MarkAutoRepaired sets status auto_repaired with repair bookkeeping.
func (s *Store) MarkAutoRepaired(ctx context.Context, id string, info AutoRepairInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, auto_repair_info = ?, updated_at = ? WHERE task_id = ?`,
		string(StatusAutoRepaired), string(data), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

// Cancel sets the cancelled status and stamps cancelled_at.
func (s *Store) Cancel(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, cancelled_at = ?, updated_at = ? WHERE task_id = ?`,
		string(StatusCancelled), now.Format(time.RFC3339), now.Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

// ListChildren returns tasks parented to origin whose status is in the
// given set, used by the retry-idempotency check.
func (s *Store) ListChildren(ctx context.Context, parentTaskID string, statuses []Status) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE parent_task_id = ?`, parentTaskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		if want[t.Status] {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}

// ListPending returns pending/queued tasks ordered priority desc, created_at asc.
func (s *Store) ListPending(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE status IN ('pending', 'queued')
		ORDER BY priority DESC, created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteExpired removes tasks past expires_at, returning the count deleted.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE expires_at < ?`, now.Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const selectColumns = `
	SELECT task_id, template_id, template_version, status, priority, testing, parameters,
		progress_percentage, progress_message, progress_last_heartbeat,
		dispatch_handle, worker_id, enqueued_at, started_at, cancelled_at,
		result_summary, result_attachments, result_execution_time_ms, result_resource_usage,
		errors, parent_task_id, retry_attempt, auto_repair_info, cost_estimate,
		user_id, expires_at, created_at, updated_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error)      { return scanInto(row) }
func scanTaskRows(rows *sql.Rows) (*Task, error)  { return scanInto(rows) }

func scanInto(row rowScanner) (*Task, error) {
	var t Task
	var status string
	var paramsJSON string
	var progressHeartbeat sql.NullString
	var dispatchHandle, workerID sql.NullString
	var enqueuedAt, startedAt, cancelledAt sql.NullString
	var resultSummary sql.NullString
	var resultAttachmentsJSON string
	var resultExecMS sql.NullInt64
	var resultUsageJSON sql.NullString
	var errorsJSON string
	var parentTaskID sql.NullString
	var retryAttempt sql.NullInt64
	var autoRepairJSON sql.NullString
	var costEstimateJSON sql.NullString
	var expiresAt, createdAt, updatedAt string

	err := row.Scan(
		&t.TaskID, &t.TemplateID, &t.TemplateVersion, &status, &t.Priority, &t.Testing, &paramsJSON,
		&t.Progress.Percentage, &t.Progress.Message, &progressHeartbeat,
		&dispatchHandle, &workerID, &enqueuedAt, &startedAt, &cancelledAt,
		&resultSummary, &resultAttachmentsJSON, &resultExecMS, &resultUsageJSON,
		&errorsJSON, &parentTaskID, &retryAttempt, &autoRepairJSON, &costEstimateJSON,
		&t.UserID, &expiresAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	json.Unmarshal([]byte(paramsJSON), &t.Parameters)
	json.Unmarshal([]byte(errorsJSON), &t.Errors)

	if progressHeartbeat.Valid && progressHeartbeat.String != "" {
		if ts, err := time.Parse(time.RFC3339, progressHeartbeat.String); err == nil {
			t.Progress.LastHeartbeat = ts
		}
	}
	t.Execution.DispatchHandle = dispatchHandle.String
	t.Execution.WorkerID = workerID.String
	t.Execution.EnqueuedAt = parseTimePtr(enqueuedAt)
	t.Execution.StartedAt = parseTimePtr(startedAt)
	t.Execution.CancelledAt = parseTimePtr(cancelledAt)

	if resultSummary.Valid {
		t.Result = &Result{
			Summary:         resultSummary.String,
			ExecutionTimeMS: resultExecMS.Int64,
		}
		json.Unmarshal([]byte(resultAttachmentsJSON), &t.Result.Attachments)
		if resultUsageJSON.Valid {
			json.Unmarshal([]byte(resultUsageJSON.String), &t.Result.ResourceUsage)
		}
	}

	t.ParentTaskID = parentTaskID.String
	if retryAttempt.Valid {
		t.RetryAttempt = int(retryAttempt.Int64)
	}
	if autoRepairJSON.Valid && autoRepairJSON.String != "" {
		var info AutoRepairInfo
		if json.Unmarshal([]byte(autoRepairJSON.String), &info) == nil {
			t.AutoRepairInfo = &info
		}
	}
	if costEstimateJSON.Valid && costEstimateJSON.String != "" {
		var estimate CostEstimate
		if json.Unmarshal([]byte(costEstimateJSON.String), &estimate) == nil {
			t.CostEstimate = &estimate
		}
	}

	t.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &t, nil
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &ts
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func nilIfZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRetryAttempt(t *Task) any {
	if t.RetryAttempt == 0 && t.ParentTaskID == "" {
		return nil
	}
	return t.RetryAttempt
}

func nullBytes(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyErrors(e []ErrorEntry) []ErrorEntry {
	if e == nil {
		return []ErrorEntry{}
	}
	return e
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func rowsAffectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
