package capabilities

import "context"

// NarrowEmbedder adapts the full Embedder capability (Embed/EmbedBatch/
// Dimension/ModelName/Available) down to the single-method shape the
// registry and reasoning-memory packages each declare locally
// (Embed(ctx, text) ([]float32, error)), fixing the task type so callers
// don't need to know about RETRIEVAL_QUERY vs RETRIEVAL_DOCUMENT.
type NarrowEmbedder struct {
	Embedder Embedder
	TaskType TaskType
}

func (n NarrowEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return n.Embedder.Embed(ctx, text, n.TaskType)
}
