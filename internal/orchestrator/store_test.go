package orchestrator_test

import (
	"context"
	"testing"

	"github.com/normanking/taskengine/internal/data"
	"github.com/normanking/taskengine/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *orchestrator.Store {
	t.Helper()
	db, err := data.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return orchestrator.NewStore(db.DB())
}

func TestStoreInsertAndGetRoundTrips(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	task := &orchestrator.Task{
		TaskID:     "task_1_reports",
		TemplateID: "tmpl_1",
		Status:     orchestrator.StatusPending,
		Priority:   60,
		Parameters: map[string]any{"name": "alice"},
		UserID:     "user_1",
	}
	require.NoError(t, store.Insert(ctx, task))

	got, err := store.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusPending, got.Status)
	assert.Equal(t, 60, got.Priority)
	assert.Equal(t, "alice", got.Parameters["name"])
}

func TestStoreInsertDuplicateIDErrors(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	task := &orchestrator.Task{TaskID: "task_1_dup", TemplateID: "tmpl_1", Status: orchestrator.StatusPending, UserID: "u"}
	require.NoError(t, store.Insert(ctx, task))

	err := store.Insert(ctx, task)
	require.ErrorIs(t, err, orchestrator.ErrAlreadyExists)
}

func TestStoreGetMissingReturnsErrNotFound(t *testing.T) {
	store := newStore(t)
	_, err := store.Get(context.Background(), "task_does_not_exist")
	require.ErrorIs(t, err, orchestrator.ErrNotFound)
}

func TestStoreSetDispatchAndSetRunning(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	task := &orchestrator.Task{TaskID: "task_1_x", TemplateID: "tmpl_1", Status: orchestrator.StatusPending, UserID: "u"}
	require.NoError(t, store.Insert(ctx, task))

	require.NoError(t, store.SetDispatch(ctx, task.TaskID, "disp_1"))
	got, err := store.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusQueued, got.Status)
	assert.Equal(t, "disp_1", got.Execution.DispatchHandle)

	require.NoError(t, store.SetRunning(ctx, task.TaskID))
	got, err = store.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusRunning, got.Status)
	assert.NotNil(t, got.Execution.StartedAt)
}

func TestStoreAppendErrorAccumulates(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	task := &orchestrator.Task{TaskID: "task_1_err", TemplateID: "tmpl_1", Status: orchestrator.StatusRunning, UserID: "u"}
	require.NoError(t, store.Insert(ctx, task))

	require.NoError(t, store.AppendError(ctx, task.TaskID, orchestrator.ErrorEntry{Message: "first"}))
	require.NoError(t, store.AppendError(ctx, task.TaskID, orchestrator.ErrorEntry{Message: "second"}))

	got, err := store.Get(ctx, task.TaskID)
	require.NoError(t, err)
	require.Len(t, got.Errors, 2)
	assert.Equal(t, "second", got.Errors[1].Message)
}

func TestStoreCompleteSetsResultAndProgress(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	task := &orchestrator.Task{TaskID: "task_1_done", TemplateID: "tmpl_1", Status: orchestrator.StatusRunning, UserID: "u"}
	require.NoError(t, store.Insert(ctx, task))

	require.NoError(t, store.Complete(ctx, task.TaskID, orchestrator.Result{Summary: "ok", Attachments: []string{"a.png"}}))

	got, err := store.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress.Percentage)
	require.NotNil(t, got.Result)
	assert.Equal(t, []string{"a.png"}, got.Result.Attachments)
}

func TestStoreListChildrenFiltersByStatus(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	origin := &orchestrator.Task{TaskID: "task_1_parent", TemplateID: "tmpl_1", Status: orchestrator.StatusFailed, UserID: "u"}
	require.NoError(t, store.Insert(ctx, origin))

	liveChild := &orchestrator.Task{TaskID: "task_1_parent_retry_1_2", TemplateID: "tmpl_1", Status: orchestrator.StatusRunning, ParentTaskID: origin.TaskID, UserID: "u"}
	require.NoError(t, store.Insert(ctx, liveChild))
	doneChild := &orchestrator.Task{TaskID: "task_1_parent_retry_2_3", TemplateID: "tmpl_1", Status: orchestrator.StatusCompleted, ParentTaskID: origin.TaskID, UserID: "u"}
	require.NoError(t, store.Insert(ctx, doneChild))

	live, err := store.ListChildren(ctx, origin.TaskID, []orchestrator.Status{orchestrator.StatusPending, orchestrator.StatusQueued, orchestrator.StatusRunning})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, liveChild.TaskID, live[0].TaskID)
}

func TestStoreListPendingOrdersByPriorityThenCreation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	low := &orchestrator.Task{TaskID: "task_1_low", TemplateID: "tmpl_1", Status: orchestrator.StatusPending, Priority: 10, UserID: "u"}
	require.NoError(t, store.Insert(ctx, low))
	high := &orchestrator.Task{TaskID: "task_2_high", TemplateID: "tmpl_1", Status: orchestrator.StatusQueued, Priority: 90, UserID: "u"}
	require.NoError(t, store.Insert(ctx, high))

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, high.TaskID, pending[0].TaskID)
}
