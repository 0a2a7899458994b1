package reasoningmemory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func validMemory() *Memory {
	return &Memory{
		ID:       "mem_1",
		Title:    "Retry with backoff",
		Content:  "Added exponential backoff before retrying the upstream call.",
		Category: CategoryFixStrategy,
		Source:   SourceTaskSuccess,
	}
}

func TestValidateAcceptsWellFormedMemory(t *testing.T) {
	assert.NoError(t, Validate(validMemory()))
}

func TestValidateRejectsEmptyContent(t *testing.T) {
	m := validMemory()
	m.Content = ""
	assert.ErrorIs(t, Validate(m), ErrEmptyContent)
}

func TestValidateRejectsOversizedTitle(t *testing.T) {
	m := validMemory()
	m.Title = strings.Repeat("x", maxTitleLen+1)
	assert.ErrorIs(t, Validate(m), ErrTitleTooLong)
}

func TestValidateRejectsOversizedContent(t *testing.T) {
	m := validMemory()
	m.Content = strings.Repeat("x", maxContentLen+1)
	assert.ErrorIs(t, Validate(m), ErrContentTooLong)
}

func TestValidateRejectsInvalidCategory(t *testing.T) {
	m := validMemory()
	m.Category = "not_a_category"
	assert.ErrorIs(t, Validate(m), ErrInvalidCategory)
}

func TestValidateRejectsInvalidSource(t *testing.T) {
	m := validMemory()
	m.Source = "not_a_source"
	assert.ErrorIs(t, Validate(m), ErrInvalidSource)
}

func TestValidateRejectsBannedPattern(t *testing.T) {
	m := validMemory()
	m.Content = "export api_key: sk-abc123 to call the upstream"
	assert.ErrorIs(t, Validate(m), ErrBannedPattern)
}

func TestValidateRejectsFailureSourceWithPositiveSuccessRate(t *testing.T) {
	m := validMemory()
	m.Source = SourceTaskFailure
	m.SuccessRate = 0.5
	assert.ErrorIs(t, Validate(m), ErrFailureWithSuccess)
}
