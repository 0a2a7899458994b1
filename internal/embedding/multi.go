package embedding

import (
	"context"
	"fmt"
	"sync"

	"github.com/normanking/taskengine/internal/capabilities"
	"github.com/normanking/taskengine/internal/logging"
)

// MultiEmbedder tries backends in order, falling back from local (Ollama)
// to cloud (OpenAI) when the active one stops reporting available.
type MultiEmbedder struct {
	mu          sync.Mutex
	embedders   []capabilities.Embedder
	activeIndex int
	log         *logging.Logger
}

// NewMultiEmbedder creates a multi-backend embedder. Backends are tried in
// the order given; the first available one becomes active.
func NewMultiEmbedder(embedders ...capabilities.Embedder) *MultiEmbedder {
	m := &MultiEmbedder{embedders: embedders, activeIndex: -1, log: logging.Global().WithComponent("embedding.multi")}
	for i, e := range embedders {
		if e != nil && e.Available() {
			m.activeIndex = i
			m.log.Info("using backend %s (dimension=%d)", e.ModelName(), e.Dimension())
			break
		}
	}
	if m.activeIndex < 0 {
		m.log.Warn("no embedding backends available")
	}
	return m
}

func (m *MultiEmbedder) active() capabilities.Embedder {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeIndex >= 0 && m.activeIndex < len(m.embedders) {
		if e := m.embedders[m.activeIndex]; e != nil && e.Available() {
			return e
		}
	}
	for i, e := range m.embedders {
		if e != nil && e.Available() {
			if i != m.activeIndex {
				m.log.Info("switching to backend %s", e.ModelName())
			}
			m.activeIndex = i
			return e
		}
	}
	m.activeIndex = -1
	return nil
}

// Embed implements capabilities.Embedder.
func (m *MultiEmbedder) Embed(ctx context.Context, text string, taskType capabilities.TaskType) ([]float32, error) {
	active := m.active()
	if active == nil {
		return nil, fmt.Errorf("no embedding backend available")
	}
	return active.Embed(ctx, text, taskType)
}

// EmbedBatch implements capabilities.Embedder.
func (m *MultiEmbedder) EmbedBatch(ctx context.Context, texts []string, taskType capabilities.TaskType) ([][]float32, error) {
	active := m.active()
	if active == nil {
		return nil, fmt.Errorf("no embedding backend available")
	}
	return active.EmbedBatch(ctx, texts, taskType)
}

// Dimension implements capabilities.Embedder.
func (m *MultiEmbedder) Dimension() int {
	if active := m.active(); active != nil {
		return active.Dimension()
	}
	return DefaultEmbeddingDim
}

// ModelName implements capabilities.Embedder.
func (m *MultiEmbedder) ModelName() string {
	if active := m.active(); active != nil {
		return active.ModelName()
	}
	return "none"
}

// Available implements capabilities.Embedder.
func (m *MultiEmbedder) Available() bool {
	return m.active() != nil
}
