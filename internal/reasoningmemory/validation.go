package reasoningmemory

import (
	"errors"
	"fmt"

	"github.com/normanking/taskengine/internal/safety"
)

var (
	ErrEmptyContent      = errors.New("reasoningmemory: content is empty")
	ErrTitleTooLong      = fmt.Errorf("reasoningmemory: title exceeds %d characters", maxTitleLen)
	ErrDescriptionTooLong = fmt.Errorf("reasoningmemory: description exceeds %d characters", maxDescriptionLen)
	ErrContentTooLong    = fmt.Errorf("reasoningmemory: content exceeds %d characters", maxContentLen)
	ErrBannedPattern     = errors.New("reasoningmemory: content matches a banned pattern")
	ErrInvalidCategory   = errors.New("reasoningmemory: invalid category")
	ErrInvalidSource     = errors.New("reasoningmemory: invalid source")
	ErrFailureWithSuccess = errors.New("reasoningmemory: failure-source memory cannot have success_rate > 0 at creation")
)

// Validate enforces the invariants a Memory must satisfy before any write
// (§4.4): length limits, category/source enum membership, the banned
// content pattern check, and the failure-source/success_rate cross-check.
func Validate(m *Memory) error {
	if m.Content == "" {
		return ErrEmptyContent
	}
	if len(m.Title) > maxTitleLen {
		return ErrTitleTooLong
	}
	if len(m.Description) > maxDescriptionLen {
		return ErrDescriptionTooLong
	}
	if len(m.Content) > maxContentLen {
		return ErrContentTooLong
	}
	if !m.Category.valid() {
		return ErrInvalidCategory
	}
	if !m.Source.valid() {
		return ErrInvalidSource
	}
	if safety.Violates(m.Title) || safety.Violates(m.Content) {
		return ErrBannedPattern
	}
	if m.Source.isFailureVariant() && m.SuccessRate > 0 {
		return ErrFailureWithSuccess
	}
	return nil
}

// EmbeddingText composes the text embedded for semantic retrieval.
func EmbeddingText(m *Memory) string {
	return fmt.Sprintf("%s. %s. %s", m.Title, m.Description, m.Content)
}
