package orchestrator_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/normanking/taskengine/internal/capabilities"
	"github.com/normanking/taskengine/internal/data"
	"github.com/normanking/taskengine/internal/executor"
	"github.com/normanking/taskengine/internal/orchestrator"
	"github.com/normanking/taskengine/internal/reasoningmemory"
	"github.com/normanking/taskengine/internal/registry"
	"github.com/normanking/taskengine/internal/vectorindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 16

type bagEmbedder struct{}

func (bagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, testDim)
	for _, r := range strings.ToLower(text) {
		v[int(r)%testDim]++
	}
	return v, nil
}

type harness struct {
	orch       *orchestrator.Orchestrator
	store      *orchestrator.Store
	reg        *registry.Registry
	dispatcher *capabilities.Dispatcher
	dataSource *capabilities.FakeDataSource
	llm        *capabilities.FakeLLM
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := data.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idx := vectorindex.New(db.DB())
	reg := registry.New(registry.NewStore(db.DB()), idx, bagEmbedder{})
	llm := &capabilities.FakeLLM{}
	memSvc := reasoningmemory.New(reasoningmemory.NewStore(db.DB()), idx, reasoningmemory.CapabilityLLM{LLM: llm}, bagEmbedder{})

	taskStore := orchestrator.NewStore(db.DB())
	exec := executor.New(executor.DefaultPolicy(), nil)
	dispatcher := capabilities.NewDispatcher(nil)
	dataSource := capabilities.NewFakeDataSource()

	var orch *orchestrator.Orchestrator
	orch = orchestrator.New(taskStore, reg, memSvc, exec, dispatcher, dataSource, orchestratorLLM{llm}, nil, orchestrator.Options{})
	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	return &harness{orch: orch, store: taskStore, reg: reg, dispatcher: dispatcher, dataSource: dataSource, llm: llm}
}

// orchestratorLLM narrows *capabilities.FakeLLM to orchestrator.LLM.
type orchestratorLLM struct{ l *capabilities.FakeLLM }

func (o orchestratorLLM) Chat(ctx context.Context, messages []capabilities.ChatMessage, systemPrompt string) (string, error) {
	return o.l.Chat(ctx, messages, systemPrompt)
}

func schemaJSON(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
		"required": []string{"name"},
	})
	require.NoError(t, err)
	return data
}

func putTemplate(t *testing.T, h *harness, id, script string) *registry.Template {
	t.Helper()
	tmpl := &registry.Template{
		ID:              id,
		Name:            id,
		Description:     "a template",
		Category:        []string{"reports"},
		Version:         1,
		ParameterSchema: schemaJSON(t),
		ExecutionScript: script,
		Enabled:         true,
		ScriptValidated: true,
		Priority:        50,
	}
	require.NoError(t, h.reg.Put(context.Background(), tmpl))
	return tmpl
}

const okScript = `[{"capability":"data_source","method":"invoice.list","args":{"filter":"all"},"save_as":"invoices"}]`

func TestCreateFromTemplateEnqueuesAndCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	putTemplate(t, h, "tmpl_invoices", okScript)
	h.dataSource.Results["invoice.list"] = []string{"inv_1"}

	ref, err := h.orch.CreateFromTemplate(ctx, "tmpl_invoices", map[string]any{"name": "alice"}, "user_1", orchestrator.CreateOpts{})
	require.NoError(t, err)
	require.NotNil(t, ref)

	require.Eventually(t, func() bool {
		task, err := h.store.Get(ctx, ref.TaskID)
		return err == nil && task.Status == orchestrator.StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestCreateFromTemplateSetsCostEstimate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tmpl := putTemplate(t, h, "tmpl_est", okScript)
	tmpl.EstimatedSteps = 3
	tmpl.EstimatedDurationMS = 10000
	require.NoError(t, h.reg.Put(ctx, tmpl))
	h.dataSource.Results["invoice.list"] = []string{"inv_1"}

	ref, err := h.orch.CreateFromTemplate(ctx, "tmpl_est", map[string]any{"name": "alice"}, "user_1", orchestrator.CreateOpts{})
	require.NoError(t, err)

	task, err := h.store.Get(ctx, ref.TaskID)
	require.NoError(t, err)
	require.NotNil(t, task.CostEstimate)
	assert.Equal(t, 3, task.CostEstimate.Steps)
	assert.Equal(t, int64(10000), task.CostEstimate.DurationMS)
	assert.Equal(t, "medium", task.CostEstimate.Complexity)
	assert.Equal(t, executor.DefaultPolicy().DefaultMemoryTierMB, task.CostEstimate.MemoryTierMB)
}

func TestCreateFromTemplateScalesDurationForMultiYearDateRange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tmpl := putTemplate(t, h, "tmpl_range", okScript)
	tmpl.EstimatedDurationMS = 1000
	schema, err := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":  map[string]any{"type": "string"},
			"range": map[string]any{"type": "object", "format": "date-range"},
		},
		"required": []string{"name"},
	})
	require.NoError(t, err)
	tmpl.ParameterSchema = schema
	require.NoError(t, h.reg.Put(ctx, tmpl))
	h.dataSource.Results["invoice.list"] = []string{"inv_1"}

	ref, err := h.orch.CreateFromTemplate(ctx, "tmpl_range", map[string]any{
		"name":  "alice",
		"range": map[string]any{"start": "2020-01-01", "end": "2024-01-01"},
	}, "user_1", orchestrator.CreateOpts{})
	require.NoError(t, err)

	task, err := h.store.Get(ctx, ref.TaskID)
	require.NoError(t, err)
	require.NotNil(t, task.CostEstimate)
	assert.Greater(t, task.CostEstimate.DurationMS, int64(1000))
}

func TestCreateFromTemplateRejectsBadParameters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	putTemplate(t, h, "tmpl_x", okScript)

	_, err := h.orch.CreateFromTemplate(ctx, "tmpl_x", map[string]any{}, "user_1", orchestrator.CreateOpts{})
	require.Error(t, err)
}

func TestCreateFromTemplateUnknownTemplate(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.CreateFromTemplate(context.Background(), "nope", map[string]any{"name": "a"}, "user_1", orchestrator.CreateOpts{})
	require.Error(t, err)
}

func TestCancelBeforeExecutionPreventsRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	putTemplate(t, h, "tmpl_slow", okScript)
	h.dataSource.Results["invoice.list"] = []string{}

	ref, err := h.orch.CreateFromTemplate(ctx, "tmpl_slow", map[string]any{"name": "bob"}, "user_1", orchestrator.CreateOpts{})
	require.NoError(t, err)

	require.NoError(t, h.orch.Cancel(ctx, ref.TaskID, "user_1"))

	task, err := h.store.Get(ctx, ref.TaskID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCancelled, task.Status)
}

func TestAutoCreateFromUtteranceNoMatch(t *testing.T) {
	h := newHarness(t)
	ref, err := h.orch.AutoCreateFromUtterance(context.Background(), "completely unrelated text with no templates", "user_1", nil)
	require.NoError(t, err)
	assert.Nil(t, ref)
}

func TestRetryWithRepairedTemplateRespectsMaxDepth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tmpl := putTemplate(t, h, "tmpl_retry", okScript)

	origin := &orchestrator.Task{
		TaskID:          "task_1_retry_1_2_retry_2_3_retry_3_4",
		TemplateID:      tmpl.ID,
		TemplateVersion: 1,
		Status:          orchestrator.StatusFailed,
		Priority:        50,
		UserID:          "user_1",
	}
	require.NoError(t, h.store.Insert(ctx, origin))

	ref, err := h.orch.RetryWithRepairedTemplate(ctx, origin.TaskID, orchestrator.RepairResult{}, "user_1")
	require.NoError(t, err)
	assert.Nil(t, ref)

	task, err := h.store.Get(ctx, origin.TaskID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusFailedMaxRetries, task.Status)
}

func TestRetryWithRepairedTemplateIsIdempotentWithLiveChild(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tmpl := putTemplate(t, h, "tmpl_retry2", okScript)

	origin := &orchestrator.Task{
		TaskID:          "task_1_alpha",
		TemplateID:      tmpl.ID,
		TemplateVersion: 1,
		Status:          orchestrator.StatusFailed,
		Priority:        50,
		UserID:          "user_1",
	}
	require.NoError(t, h.store.Insert(ctx, origin))

	child := &orchestrator.Task{
		TaskID:       "task_1_alpha_retry_1_2",
		TemplateID:   tmpl.ID,
		Status:       orchestrator.StatusRunning,
		Priority:     50,
		ParentTaskID: origin.TaskID,
		UserID:       "user_1",
	}
	require.NoError(t, h.store.Insert(ctx, child))

	ref, err := h.orch.RetryWithRepairedTemplate(ctx, origin.TaskID, orchestrator.RepairResult{}, "user_1")
	require.NoError(t, err)
	assert.Nil(t, ref)
}
