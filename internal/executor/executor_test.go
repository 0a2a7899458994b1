package executor_test

import (
	"context"
	"strings"
	"testing"

	"github.com/normanking/taskengine/internal/capabilities"
	"github.com/normanking/taskengine/internal/executor"
	"github.com/normanking/taskengine/internal/taskerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCancelChecker struct{ cancelled bool }

func (s stubCancelChecker) IsCancelled(_ context.Context, _ string) (bool, error) {
	return s.cancelled, nil
}

func newEnvelope() (executor.Envelope, *capabilities.FakeDataSource) {
	ds := capabilities.NewFakeDataSource()
	ds.Results["invoice.list"] = []string{"inv_1"}
	return executor.Envelope{
		DataSource: ds,
		LLM:        &capabilities.FakeLLM{},
		Progress:   func(float64, string) {},
	}, ds
}

func TestRunCompletesAllSteps(t *testing.T) {
	env, ds := newEnvelope()
	e := executor.New(executor.DefaultPolicy(), nil)

	script := `[
		{"capability":"data_source","method":"invoice.list","args":{"filter":"overdue"},"save_as":"invoices"},
		{"capability":"progress","args":{"percentage":100,"message":"done"}}
	]`

	result := e.Run(context.Background(), "task_1", script, nil, env)
	require.Equal(t, executor.StateCompleted, result.State)
	assert.Equal(t, []string{"inv_1"}, result.Vars["invoices"])
	require.Len(t, ds.Calls, 1)
}

func TestRunRefusesBannedPatternScript(t *testing.T) {
	env, _ := newEnvelope()
	e := executor.New(executor.DefaultPolicy(), nil)

	script := `[{"capability":"data_source","method":"invoice.list","args":{"filter":"os.environ"}}]`
	result := e.Run(context.Background(), "task_1", script, nil, env)

	require.Equal(t, executor.StateFailed, result.State)
	assert.Equal(t, taskerrors.ScriptInvalid, result.Err.Type)
}

func TestRunRefusesDangerousMethod(t *testing.T) {
	env, _ := newEnvelope()
	e := executor.New(executor.DefaultPolicy(), nil)

	script := `[{"capability":"data_source","method":"user.admin","args":{}}]`
	result := e.Run(context.Background(), "task_1", script, nil, env)

	require.Equal(t, executor.StateFailed, result.State)
	assert.Equal(t, taskerrors.CapabilityRefused, result.Err.Type)
}

func TestRunRefusesListCallWithoutFilter(t *testing.T) {
	env, _ := newEnvelope()
	e := executor.New(executor.DefaultPolicy(), nil)

	script := `[{"capability":"data_source","method":"invoice.list","args":{}}]`
	result := e.Run(context.Background(), "task_1", script, nil, env)

	require.Equal(t, executor.StateFailed, result.State)
	assert.Equal(t, taskerrors.CapabilityRefused, result.Err.Type)
}

func TestRunHonoursCancellationCheckpoint(t *testing.T) {
	env, _ := newEnvelope()
	e := executor.New(executor.DefaultPolicy(), stubCancelChecker{cancelled: true})

	script := `[{"capability":"data_source","method":"invoice.list","args":{"filter":"overdue"}}]`
	result := e.Run(context.Background(), "task_1", script, nil, env)

	assert.Equal(t, executor.StateCancelled, result.State)
	assert.Equal(t, taskerrors.Cancelled, result.Err.Type)
}

func TestRunResolvesParameterPlaceholders(t *testing.T) {
	ds := capabilities.NewFakeDataSource()
	ds.Results["invoice.list"] = []string{"inv_7"}
	env := executor.Envelope{DataSource: ds}
	e := executor.New(executor.DefaultPolicy(), nil)

	script := `[{"capability":"data_source","method":"invoice.list","args":{"filter":"{{status}}"}}]`
	result := e.Run(context.Background(), "task_1", script, map[string]any{"status": "overdue"}, env)

	require.Equal(t, executor.StateCompleted, result.State)
	require.Len(t, ds.Calls, 1)
	assert.Equal(t, "overdue", ds.Calls[0].Args["filter"])
}

func TestRunPutsObjectStoreAttachment(t *testing.T) {
	env, _ := newEnvelope()
	env.ObjectStore = capabilities.NewFilesystemObjectStore(t.TempDir(), "/artifacts")
	e := executor.New(executor.DefaultPolicy(), nil)

	script := `[{"capability":"object_store","method":"put",
		"args":{"data":"<html></html>","content_type":"text/html","content_disposition":"attachment; filename=report.html"},
		"save_as":"report_url"}]`

	result := e.Run(context.Background(), "task_1", script, nil, env)
	require.Equal(t, executor.StateCompleted, result.State)
	require.Len(t, result.Attachments, 1)
	assert.Contains(t, result.Attachments[0], "/artifacts/reports/")
	assert.Equal(t, result.Attachments[0], result.Vars["report_url"])
}

func TestRunFailsWhenMemoryTierExceeded(t *testing.T) {
	ds := capabilities.NewFakeDataSource()
	ds.Results["invoice.list"] = strings.Repeat("x", 2*1024*1024)
	env := executor.Envelope{DataSource: ds, MemoryTierMB: 1}
	e := executor.New(executor.DefaultPolicy(), nil)

	script := `[{"capability":"data_source","method":"invoice.list","args":{"filter":"overdue"},"save_as":"invoices"}]`
	result := e.Run(context.Background(), "task_1", script, nil, env)

	require.Equal(t, executor.StateFailed, result.State)
	assert.Equal(t, taskerrors.ResourceExceeded, result.Err.Type)
}

func TestRunRejectsMalformedScript(t *testing.T) {
	env, _ := newEnvelope()
	e := executor.New(executor.DefaultPolicy(), nil)

	result := e.Run(context.Background(), "task_1", `not json`, nil, env)
	require.Equal(t, executor.StateFailed, result.State)
	assert.Equal(t, taskerrors.ScriptInvalid, result.Err.Type)
}
