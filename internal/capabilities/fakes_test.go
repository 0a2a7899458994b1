package capabilities

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeEmbedderIsDeterministic(t *testing.T) {
	e := NewFakeEmbedder(8)
	a, err := e.Embed(context.Background(), "hello world", TaskRetrievalDocument)
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "hello world", TaskRetrievalDocument)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 8)
}

func TestFakeDataSourceReturnsScriptedResult(t *testing.T) {
	ds := NewFakeDataSource()
	ds.Results["invoice.list"] = []string{"inv_1", "inv_2"}

	out, err := ds.Call(context.Background(), "invoice.list", map[string]any{"filter": "overdue"})
	require.NoError(t, err)
	assert.Equal(t, []string{"inv_1", "inv_2"}, out)
	require.Len(t, ds.Calls, 1)
	assert.Equal(t, "invoice.list", ds.Calls[0].Method)
}

func TestFakeDataSourceRefusesUnscriptedMethod(t *testing.T) {
	ds := NewFakeDataSource()
	_, err := ds.Call(context.Background(), "company.get", nil)
	assert.Error(t, err)
}

func TestFakeLLMReturnsScriptedResponsesInOrder(t *testing.T) {
	llm := &FakeLLM{Responses: []string{"first", "second"}}
	a, err := llm.Chat(context.Background(), nil, "")
	require.NoError(t, err)
	b, err := llm.Chat(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, "first", a)
	assert.Equal(t, "second", b)
}
