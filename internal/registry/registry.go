package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/normanking/taskengine/internal/vectorindex"
)

const (
	ownerTypeName     = "template_name"
	ownerTypeCombined = "template_embedding"

	thresholdHigh = 0.85
	thresholdLow  = 0.50

	phaseAK = 5
	phaseBK = 10
)

// Embedder is the narrow capability the Registry needs: turning text into a
// fixed-dimension dense vector. Satisfied structurally by internal/capabilities.Embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Registry is the Template Registry (C3): CRUD, dual-embedding semantic
// lookup, fuzzy id/name resolution, and an advisory hydrate cache.
type Registry struct {
	store    *Store
	index    *vectorindex.Index
	embedder Embedder
	cache    *templateCache

	floor float64
}

type Option func(*Registry)

func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.cache = newTemplateCache(ttl) }
}

func WithMatchFloor(floor float64) Option {
	return func(r *Registry) { r.floor = floor }
}

func New(store *Store, index *vectorindex.Index, embedder Embedder, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		index:    index,
		embedder: embedder,
		cache:    newTemplateCache(defaultCacheTTL),
		floor:    thresholdLow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Put creates a new template, embedding both its name and its combined text.
func (r *Registry) Put(ctx context.Context, t *Template) error {
	if err := r.store.Put(ctx, t); err != nil {
		return err
	}
	return r.reindex(ctx, t)
}

// Update applies a patch and re-embeds the template's name and combined text.
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (*Template, error) {
	t, err := r.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	r.cache.invalidate(id)
	if err := r.reindex(ctx, t); err != nil {
		return t, err
	}
	return t, nil
}

// MarkRepaired updates execution_script after a successful repair and
// invalidates the cache so execute() picks up the new version (§4.6).
func (r *Registry) MarkRepaired(ctx context.Context, id, newScript string) (*Template, error) {
	t, err := r.store.MarkRepaired(ctx, id, newScript)
	r.cache.invalidate(id)
	return t, err
}

// Delete removes a template and its indexed embeddings.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.cache.invalidate(id)
	r.index.Remove(ctx, ownerTypeName, id)
	r.index.Remove(ctx, ownerTypeCombined, id)
	return nil
}

// Get retrieves a template, trying the cache before the store.
func (r *Registry) Get(ctx context.Context, id string) (*Template, error) {
	if t, ok := r.cache.get(id); ok {
		return t, nil
	}
	t, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache.put(t)
	return t, nil
}

// Invalidate drops id from the hydrate cache without touching the store.
func (r *Registry) Invalidate(id string) {
	r.cache.invalidate(id)
}

// GetByNameFuzzy resolves a user-typed name/id against all templates using
// hand-crafted synonym weights plus a fuzzy subsequence bonus (§4.1).
func (r *Registry) GetByNameFuzzy(ctx context.Context, query string) (*Template, error) {
	all, err := r.store.ListAll(ctx, false)
	if err != nil {
		return nil, err
	}
	t := ResolveFuzzy(query, all)
	if t == nil {
		return nil, ErrNotFound
	}
	return t, nil
}

func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.cache.invalidate(id)
	return r.store.SetEnabled(ctx, id, enabled)
}

func (r *Registry) SetTesting(ctx context.Context, id string, testing bool) error {
	r.cache.invalidate(id)
	return r.store.SetTesting(ctx, id, testing)
}

// FindByUtterance performs the dual-embedding match described in §4.1: a
// Phase-A name-embedding pass at a high-confidence threshold, falling back
// to a Phase-B combined-embedding pass filtered to enabled templates.
func (r *Registry) FindByUtterance(ctx context.Context, text string, opts MatchOpts) (*MatchResult, error) {
	emb, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed utterance: %w", err)
	}

	floor := r.floor
	if opts.FloorOverride != nil {
		floor = *opts.FloorOverride
	}

	filter := r.enabledFilter(ctx, opts.AllowTesting)

	phaseA, err := r.index.SearchSimilar(ctx, ownerTypeName, emb, phaseAK, 0, filter)
	if err != nil {
		return nil, fmt.Errorf("phase A search: %w", err)
	}
	if best := r.bestTieBroken(ctx, phaseA); best != nil && best.score >= thresholdHigh {
		return &MatchResult{Template: best.template, Phase: "name", Score: best.score}, nil
	}

	phaseB, err := r.index.SearchSimilar(ctx, ownerTypeCombined, emb, phaseBK, 0, filter)
	if err != nil {
		return nil, fmt.Errorf("phase B search: %w", err)
	}
	if best := r.bestTieBroken(ctx, phaseB); best != nil && best.score >= floor {
		return &MatchResult{Template: best.template, Phase: "combined", Score: best.score}, nil
	}

	return nil, nil
}

type candidate struct {
	template *Template
	score    float64
}

// bestTieBroken hydrates each scored candidate and picks the winner by
// score, then enabled, then priority, then most-recent updated_at.
func (r *Registry) bestTieBroken(ctx context.Context, scored []vectorindex.ScoredItem) *candidate {
	var best *candidate
	for _, s := range scored {
		t, err := r.Get(ctx, s.OwnerID)
		if err != nil {
			continue
		}
		c := &candidate{template: t, score: s.Score}
		if best == nil || better(c, best) {
			best = c
		}
	}
	return best
}

func better(a, b *candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.template.Enabled != b.template.Enabled {
		return a.template.Enabled
	}
	if a.template.Priority != b.template.Priority {
		return a.template.Priority > b.template.Priority
	}
	return a.template.UpdatedAt.After(b.template.UpdatedAt)
}

func (r *Registry) enabledFilter(ctx context.Context, allowTesting bool) vectorindex.Filter {
	return func(ownerID string) bool {
		t, err := r.Get(ctx, ownerID)
		if err != nil {
			return false
		}
		if !t.Enabled {
			return false
		}
		if t.Testing && !allowTesting {
			return false
		}
		return true
	}
}

func (r *Registry) reindex(ctx context.Context, t *Template) error {
	nameEmb, err := r.embedder.Embed(ctx, t.Name)
	if err != nil {
		return fmt.Errorf("embed name: %w", err)
	}
	if err := r.index.Put(ctx, ownerTypeName, t.ID, nameEmb); err != nil {
		return fmt.Errorf("index name embedding: %w", err)
	}

	combinedEmb, err := r.embedder.Embed(ctx, combinedText(t))
	if err != nil {
		return fmt.Errorf("embed combined text: %w", err)
	}
	if err := r.index.Put(ctx, ownerTypeCombined, t.ID, combinedEmb); err != nil {
		return fmt.Errorf("index combined embedding: %w", err)
	}

	return nil
}

func combinedText(t *Template) string {
	return fmt.Sprintf("%s %s %v %s", t.Name, t.Description, t.Category, t.ParameterSchema)
}
