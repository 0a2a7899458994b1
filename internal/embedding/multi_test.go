package embedding

import (
	"context"
	"testing"

	"github.com/normanking/taskengine/internal/capabilities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	name      string
	available bool
	vector    []float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string, _ capabilities.TaskType) ([]float32, error) {
	return f.vector, nil
}
func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string, tt capabilities.TaskType) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}
func (f *fakeEmbedder) Dimension() int    { return len(f.vector) }
func (f *fakeEmbedder) ModelName() string { return f.name }
func (f *fakeEmbedder) Available() bool   { return f.available }

func TestMultiEmbedderPrefersFirstAvailable(t *testing.T) {
	primary := &fakeEmbedder{name: "primary", available: true, vector: []float32{1, 1}}
	fallback := &fakeEmbedder{name: "fallback", available: true, vector: []float32{2, 2}}

	m := NewMultiEmbedder(primary, fallback)
	assert.Equal(t, "primary", m.ModelName())

	v, err := m.Embed(context.Background(), "x", capabilities.TaskRetrievalDocument)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1}, v)
}

func TestMultiEmbedderFallsBackWhenPrimaryUnavailable(t *testing.T) {
	primary := &fakeEmbedder{name: "primary", available: false, vector: []float32{1, 1}}
	fallback := &fakeEmbedder{name: "fallback", available: true, vector: []float32{2, 2}}

	m := NewMultiEmbedder(primary, fallback)
	assert.Equal(t, "fallback", m.ModelName())

	v, err := m.Embed(context.Background(), "x", capabilities.TaskRetrievalDocument)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2}, v)
}

func TestMultiEmbedderErrorsWhenNoneAvailable(t *testing.T) {
	a := &fakeEmbedder{name: "a", available: false}
	b := &fakeEmbedder{name: "b", available: false}

	m := NewMultiEmbedder(a, b)
	assert.False(t, m.Available())

	_, err := m.Embed(context.Background(), "x", capabilities.TaskRetrievalDocument)
	assert.Error(t, err)
}
