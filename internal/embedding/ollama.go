// Package embedding provides text-embedding backends for template matching
// and reasoning-memory retrieval.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/normanking/taskengine/internal/capabilities"
	"github.com/normanking/taskengine/internal/logging"
)

const DefaultEmbeddingDim = 768

// DefaultOllamaHost is the default local Ollama API endpoint.
const DefaultOllamaHost = "http://127.0.0.1:11434"

// DefaultOllamaModel is the default embedding model pulled via Ollama.
const DefaultOllamaModel = "nomic-embed-text"

// OllamaEmbedder generates embeddings using a local Ollama instance.
type OllamaEmbedder struct {
	host      string
	model     string
	dimension int
	client    *http.Client
	log       *logging.Logger

	timeout       time.Duration
	maxRetries    int
	retryDelay    time.Duration
	checkInterval time.Duration

	available   bool
	availableMu sync.RWMutex
	lastCheck   time.Time

	cache        *embeddingCache
	cacheEnabled bool
}

// OllamaEmbedderConfig configures the Ollama embedder.
type OllamaEmbedderConfig struct {
	Host          string
	Model         string
	CheckInterval time.Duration
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	CacheMaxSize  int
	CacheTTL      time.Duration
}

// NewOllamaEmbedder creates a new Ollama-based embedder.
func NewOllamaEmbedder(cfg *OllamaEmbedderConfig) *OllamaEmbedder {
	if cfg == nil {
		cfg = &OllamaEmbedderConfig{}
	}

	host := cfg.Host
	if host == "" {
		host = DefaultOllamaHost
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOllamaModel
	}
	checkInterval := cfg.CheckInterval
	if checkInterval == 0 {
		checkInterval = 5 * time.Minute
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 1
	}
	retryDelay := cfg.RetryDelay
	if retryDelay == 0 {
		retryDelay = 2 * time.Second
	}
	cacheMaxSize := cfg.CacheMaxSize
	if cacheMaxSize <= 0 {
		cacheMaxSize = 1000
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = time.Hour
	}

	e := &OllamaEmbedder{
		host:      host,
		model:     model,
		dimension: DefaultEmbeddingDim,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: timeout,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		},
		log:           logging.Global().WithComponent("embedding.ollama"),
		timeout:       timeout,
		maxRetries:    maxRetries,
		retryDelay:    retryDelay,
		checkInterval: checkInterval,
		cache:         newEmbeddingCache(cacheMaxSize, cacheTTL),
		cacheEnabled:  true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.available = e.checkAvailability(ctx)

	return e
}

// Embed implements capabilities.Embedder. taskType has no effect on Ollama's
// embedding API -- it returns one vector per input regardless of role.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string, _ capabilities.TaskType) ([]float32, error) {
	return e.embedSingle(ctx, text)
}

// EmbedBatch implements capabilities.Embedder.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string, _ capabilities.TaskType) ([][]float32, error) {
	if !e.Available() {
		return nil, fmt.Errorf("ollama embedder not available")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.embedSingle(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func (e *OllamaEmbedder) embedSingle(ctx context.Context, text string) ([]float32, error) {
	if !e.Available() {
		return nil, fmt.Errorf("ollama embedder not available")
	}

	if cached := e.cache.get(text); cached != nil {
		return cached, nil
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
			case <-time.After(e.retryDelay):
			}
		}

		v, err := e.doEmbedRequest(ctx, text)
		if err == nil {
			e.cache.put(text, v)
			return v, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}
	return nil, lastErr
}

func (e *OllamaEmbedder) doEmbedRequest(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(map[string]any{"model": e.model, "prompt": text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/api/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.setAvailable(false)
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	if len(out) > 0 {
		e.dimension = len(out)
	}
	return out, nil
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "timeout") ||
		strings.Contains(s, "deadline exceeded") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "EOF")
}

// Dimension implements capabilities.Embedder.
func (e *OllamaEmbedder) Dimension() int { return e.dimension }

// ModelName implements capabilities.Embedder.
func (e *OllamaEmbedder) ModelName() string { return e.model }

// Available implements capabilities.Embedder, re-probing if the last known
// state was unavailable and the check interval has elapsed.
func (e *OllamaEmbedder) Available() bool {
	e.availableMu.RLock()
	available := e.available
	lastCheck := e.lastCheck
	e.availableMu.RUnlock()

	if !available && time.Since(lastCheck) > e.checkInterval {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if e.checkAvailability(ctx) {
			e.setAvailable(true)
		}
	}
	return available
}

func (e *OllamaEmbedder) setAvailable(available bool) {
	e.availableMu.Lock()
	e.available = available
	e.lastCheck = time.Now()
	e.availableMu.Unlock()
}

func (e *OllamaEmbedder) checkAvailability(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false
	}
	for _, m := range result.Models {
		if m.Name == e.model || strings.HasPrefix(m.Name, e.model+":") {
			return true
		}
	}
	return false
}

// embeddingCache is an LRU+TTL cache for single-text embeddings.
type embeddingCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   []*cacheEntry
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	embedding []float32
	timestamp time.Time
	key       string
}

func newEmbeddingCache(maxSize int, ttl time.Duration) *embeddingCache {
	return &embeddingCache{
		entries: make(map[string]*cacheEntry),
		order:   make([]*cacheEntry, 0, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func normalizeKey(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

func (c *embeddingCache) get(text string) []float32 {
	key := normalizeKey(text)
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	if time.Since(entry.timestamp) > c.ttl {
		c.removeLocked(key)
		return nil
	}
	c.moveToBackLocked(entry)
	return entry.embedding
}

func (c *embeddingCache) put(text string, embedding []float32) {
	key := normalizeKey(text)
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		existing.embedding = embedding
		existing.timestamp = time.Now()
		c.moveToBackLocked(existing)
		return
	}

	for len(c.entries) >= c.maxSize && len(c.order) > 0 {
		c.removeLocked(c.order[0].key)
	}

	entry := &cacheEntry{embedding: embedding, timestamp: time.Now(), key: key}
	c.entries[key] = entry
	c.order = append(c.order, entry)
}

func (c *embeddingCache) removeLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	for i, e := range c.order {
		if e == entry {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *embeddingCache) moveToBackLocked(entry *cacheEntry) {
	for i, e := range c.order {
		if e == entry {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, entry)
}
