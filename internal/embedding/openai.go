package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/normanking/taskengine/internal/capabilities"
	"github.com/normanking/taskengine/internal/logging"
)

const (
	OpenAIEmbeddingModelSmall = "text-embedding-3-small"
	OpenAIEmbeddingModelLarge = "text-embedding-3-large"

	openAISmallDimension = 1536
	openAILargeDimension = 3072
)

// OpenAIEmbedder generates embeddings using OpenAI's API. It is the cloud
// fallback when a local embedder (OllamaEmbedder) isn't reachable.
type OpenAIEmbedder struct {
	apiKey    string
	model     string
	dimension int
	client    *http.Client
	log       *logging.Logger

	available      bool
	availableMu    sync.RWMutex
	quotaExceeded  bool
	quotaResetTime time.Time

	cache        *embeddingCache
	cacheEnabled bool
}

// OpenAIEmbedderConfig configures the OpenAI embedder.
type OpenAIEmbedderConfig struct {
	APIKey       string
	Model        string
	Timeout      time.Duration
	CacheMaxSize int
	CacheTTL     time.Duration
}

// NewOpenAIEmbedder creates a new OpenAI-based embedder.
func NewOpenAIEmbedder(cfg *OpenAIEmbedderConfig) *OpenAIEmbedder {
	if cfg == nil {
		cfg = &OpenAIEmbedderConfig{}
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	model := cfg.Model
	if model == "" {
		model = OpenAIEmbeddingModelSmall
	}
	dimension := openAISmallDimension
	if model == OpenAIEmbeddingModelLarge {
		dimension = openAILargeDimension
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	cacheMaxSize := cfg.CacheMaxSize
	if cacheMaxSize <= 0 {
		cacheMaxSize = 1000
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = time.Hour
	}

	return &OpenAIEmbedder{
		apiKey:       apiKey,
		model:        model,
		dimension:    dimension,
		client:       &http.Client{Timeout: timeout},
		log:          logging.Global().WithComponent("embedding.openai"),
		available:    apiKey != "",
		cache:        newEmbeddingCache(cacheMaxSize, cacheTTL),
		cacheEnabled: true,
	}
}

// Embed implements capabilities.Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string, _ capabilities.TaskType) ([]float32, error) {
	if !e.Available() {
		return nil, fmt.Errorf("openai embedder not available (no API key or quota exceeded)")
	}
	if cached := e.cache.get(text); cached != nil {
		return cached, nil
	}
	v, err := e.doEmbedRequest(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.put(text, v)
	return v, nil
}

// EmbedBatch implements capabilities.Embedder using OpenAI's native batch endpoint.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string, _ capabilities.TaskType) ([][]float32, error) {
	if !e.Available() {
		return nil, fmt.Errorf("openai embedder not available")
	}
	return e.doEmbedBatchRequest(ctx, texts)
}

func (e *OpenAIEmbedder) doEmbedRequest(ctx context.Context, text string) ([]float32, error) {
	out, err := e.doEmbedBatchRequest(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return out[0], nil
}

func (e *OpenAIEmbedder) doEmbedBatchRequest(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody, err := json.Marshal(map[string]any{"input": texts, "model": e.model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errResp)

		if resp.StatusCode == http.StatusTooManyRequests {
			e.setQuotaExceeded(time.Hour)
			return nil, fmt.Errorf("openai quota exceeded: %s (disabled for 1h)", errResp.Error.Message)
		}
		return nil, fmt.Errorf("openai error (status %d): %s", resp.StatusCode, errResp.Error.Message)
	}

	var result struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := make([][]float32, len(texts))
	for _, item := range result.Data {
		if item.Index >= len(out) {
			continue
		}
		v := make([]float32, len(item.Embedding))
		for i, f := range item.Embedding {
			v[i] = float32(f)
		}
		out[item.Index] = v
	}
	if len(result.Data) > 0 {
		e.dimension = len(result.Data[0].Embedding)
	}
	return out, nil
}

// Dimension implements capabilities.Embedder.
func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

// ModelName implements capabilities.Embedder.
func (e *OpenAIEmbedder) ModelName() string { return e.model }

// Available implements capabilities.Embedder. Returns false while an API
// key is missing or a quota cooldown is active.
func (e *OpenAIEmbedder) Available() bool {
	e.availableMu.RLock()
	defer e.availableMu.RUnlock()
	if !e.available {
		return false
	}
	if e.quotaExceeded && time.Now().Before(e.quotaResetTime) {
		return false
	}
	return true
}

func (e *OpenAIEmbedder) setQuotaExceeded(d time.Duration) {
	e.availableMu.Lock()
	defer e.availableMu.Unlock()
	e.quotaExceeded = true
	e.quotaResetTime = time.Now().Add(d)
	e.log.Warn("quota exceeded, disabled for %v", d)
}
