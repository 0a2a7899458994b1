package reasoningmemory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/normanking/taskengine/internal/vectorindex"
)

const ownerType = "memory"

// Embedder is the narrow capability Service needs to turn text into a
// fixed-dimension vector. Satisfied structurally by internal/capabilities.Embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service ties the store, vector index, LLM, and embedder together into
// the Reasoning Memory component's public operations (§4.4).
type Service struct {
	store    *Store
	index    *vectorindex.Index
	llm      LLM
	embedder Embedder
	idgen    func() string
}

func New(store *Store, index *vectorindex.Index, llm LLM, embedder Embedder) *Service {
	return &Service{
		store:    store,
		index:    index,
		llm:      llm,
		embedder: embedder,
		idgen:    randomID,
	}
}

func randomID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "mem_" + hex.EncodeToString(b)
}

// ExtractFromSuccess distills up to 3 lessons from a successful trajectory.
func (svc *Service) ExtractFromSuccess(ctx context.Context, t Trajectory) ([]*Memory, error) {
	memories, err := svc.extract(ctx, trajectoryExtractionPrompt("success", t), SourceTaskSuccess, t.TemplateID, t.TaskID, 3)
	if err != nil {
		return nil, err
	}
	return svc.persistAll(ctx, memories)
}

// ExtractFromFailure distills up to 3 lessons from a failed trajectory.
func (svc *Service) ExtractFromFailure(ctx context.Context, t Trajectory) ([]*Memory, error) {
	memories, err := svc.extract(ctx, trajectoryExtractionPrompt("failure", t), SourceTaskFailure, t.TemplateID, t.TaskID, 3)
	if err != nil {
		return nil, err
	}
	return svc.persistAll(ctx, memories)
}

// RepairContext carries what the repair loop hands to extract_from_repair.
type RepairContext struct {
	TemplateID   string
	TaskID       string
	OriginalError ErrorInfo
	NewScript    string
	Succeeded    bool
}

// ExtractFromRepair distills up to 2 lessons (category error_pattern or
// fix_strategy) from a repair attempt's outcome.
func (svc *Service) ExtractFromRepair(ctx context.Context, rc RepairContext) ([]*Memory, error) {
	source := SourceRepairFailure
	label := "repair_failure"
	if rc.Succeeded {
		source = SourceRepairSuccess
		label = "repair_success"
	}
	prompt := fmt.Sprintf("OUTCOME: %s\nTEMPLATE: %s\nORIGINAL_ERROR: %s: %s (step %s)\nNEW_SCRIPT:\n%s",
		label, rc.TemplateID, rc.OriginalError.Type, rc.OriginalError.Message, rc.OriginalError.Step, rc.NewScript)

	memories, err := svc.extract(ctx, prompt, source, rc.TemplateID, rc.TaskID, 2)
	if err != nil {
		return nil, err
	}
	var kept []*Memory
	for _, m := range memories {
		if m.Category == CategoryErrorPattern || m.Category == CategoryFixStrategy {
			kept = append(kept, m)
		}
	}
	return svc.persistAll(ctx, kept)
}

// UserModificationContext carries what a user-edited template hands to
// extract_from_user_modification.
type UserModificationContext struct {
	TemplateID string
	Request    string
	Before     string
	After      string
	Intent     *IntentFlags
}

// ExtractFromUserModification distills up to 2 lessons from a user editing
// a template's execution_script directly.
func (svc *Service) ExtractFromUserModification(ctx context.Context, uc UserModificationContext) ([]*Memory, error) {
	prompt := fmt.Sprintf("USER_REQUEST: %s\nTEMPLATE: %s\nBEFORE:\n%s\nAFTER:\n%s",
		uc.Request, uc.TemplateID, uc.Before, uc.After)

	memories, err := svc.extract(ctx, prompt, SourceUserModification, uc.TemplateID, "", 2)
	if err != nil {
		return nil, err
	}
	for _, m := range memories {
		m.UserIntentRequest = uc.Request
		m.UserIntentFlags = uc.Intent
	}
	return svc.persistAll(ctx, memories)
}

func (svc *Service) persistAll(ctx context.Context, memories []*Memory) ([]*Memory, error) {
	var persisted []*Memory
	for _, m := range memories {
		if err := svc.store.Insert(ctx, m); err != nil {
			continue
		}
		emb, err := svc.embedder.Embed(ctx, EmbeddingText(m))
		if err == nil {
			svc.index.Put(ctx, ownerType, m.ID, emb)
		}
		persisted = append(persisted, m)
	}
	return persisted, nil
}

// Retrieve performs a k-nearest lookup against query, embedding it first,
// with an optional category/template_id pre-filter, and bumps
// times_retrieved on every hit.
func (svc *Service) Retrieve(ctx context.Context, query string, k int, filters RetrieveFilters) ([]*Memory, error) {
	emb, err := svc.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var preFilter vectorindex.Filter
	if filters.TemplateID != "" || filters.Category != "" {
		preFilter = func(ownerID string) bool {
			m, err := svc.store.Get(ctx, ownerID)
			if err != nil {
				return false
			}
			if filters.TemplateID != "" && m.TemplateID != filters.TemplateID {
				return false
			}
			if filters.Category != "" && m.Category != filters.Category {
				return false
			}
			return true
		}
	}

	scored, err := svc.index.SearchSimilar(ctx, ownerType, emb, k, 0, preFilter)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(scored))
	for i, s := range scored {
		ids[i] = s.OwnerID
	}
	svc.store.IncrementRetrieved(ctx, ids)

	memories, err := svc.store.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return memories, nil
}

// RecordOutcome attributes a memory's use to a task's success or failure.
func (svc *Service) RecordOutcome(ctx context.Context, memoryID string, success bool) error {
	return svc.store.RecordOutcome(ctx, memoryID, success)
}

// Delete removes a memory from the store and the vector index.
func (svc *Service) Delete(ctx context.Context, memoryID string) error {
	if err := svc.store.Delete(ctx, memoryID); err != nil {
		return err
	}
	return svc.index.Remove(ctx, ownerType, memoryID)
}

// GetStats returns the aggregate view the feedback cycle logs.
func (svc *Service) GetStats(ctx context.Context) (*Stats, error) {
	return svc.store.Stats(ctx)
}
