package capabilities

import (
	"context"
	"fmt"
	"strings"
)

// FakeLLM is a deterministic stand-in for a real LLM provider: it echoes a
// scripted response regardless of input, or if none is scripted, returns a
// canned acknowledgement. Tests that need specific JSON payloads set
// Responses and consume them in order.
type FakeLLM struct {
	Responses []string
	calls     int
}

func (f *FakeLLM) Chat(_ context.Context, messages []ChatMessage, _ string) (string, error) {
	if f.calls < len(f.Responses) {
		r := f.Responses[f.calls]
		f.calls++
		return r, nil
	}
	if len(messages) == 0 {
		return "", nil
	}
	return fmt.Sprintf("ack: %s", messages[len(messages)-1].Content), nil
}

// FakeEmbedder produces a deterministic embedding by bucketing character
// codes into a fixed-width vector, so identical text always embeds
// identically and similar text embeds nearby -- enough to exercise the
// bucketed index without a network model.
type FakeEmbedder struct {
	Dim   int
	Model string
}

func NewFakeEmbedder(dim int) *FakeEmbedder {
	if dim <= 0 {
		dim = 16
	}
	return &FakeEmbedder{Dim: dim, Model: "fake-embed-v1"}
}

func (f *FakeEmbedder) Embed(_ context.Context, text string, _ TaskType) ([]float32, error) {
	v := make([]float32, f.Dim)
	for _, r := range strings.ToLower(text) {
		v[int(r)%f.Dim]++
	}
	return v, nil
}

func (f *FakeEmbedder) EmbedBatch(ctx context.Context, texts []string, taskType TaskType) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t, taskType)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *FakeEmbedder) Dimension() int    { return f.Dim }
func (f *FakeEmbedder) ModelName() string { return f.Model }
func (f *FakeEmbedder) Available() bool   { return true }

// FakeDataSource is a deterministic stand-in for the primary external data
// provider: it records calls and returns a scripted result per method,
// refusing anything not explicitly scripted.
type FakeDataSource struct {
	Results map[string]any
	Calls   []FakeDataSourceCall
}

type FakeDataSourceCall struct {
	Method string
	Args   map[string]any
}

func NewFakeDataSource() *FakeDataSource {
	return &FakeDataSource{Results: make(map[string]any)}
}

func (f *FakeDataSource) Call(_ context.Context, method string, args map[string]any) (any, error) {
	f.Calls = append(f.Calls, FakeDataSourceCall{Method: method, Args: args})
	if r, ok := f.Results[method]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("no scripted result for method %q", method)
}
