package taskerrors_test

import (
	"fmt"
	"testing"

	"github.com/normanking/taskengine/internal/taskerrors"
	"github.com/stretchr/testify/assert"
)

func TestFromErrorPassesThroughTaskError(t *testing.T) {
	orig := taskerrors.New(taskerrors.Timeout, "exceeded wall clock")
	got := taskerrors.FromError(fmt.Errorf("wrapped: %w", orig))
	assert.Equal(t, taskerrors.Timeout, got.Type)
}

func TestFromErrorDefaultsToUpstreamError(t *testing.T) {
	got := taskerrors.FromError(fmt.Errorf("boom"))
	assert.Equal(t, taskerrors.UpstreamError, got.Type)
}

func TestDisablesRepair(t *testing.T) {
	assert.True(t, taskerrors.UpstreamQuota.DisablesRepair())
	assert.True(t, taskerrors.Cancelled.DisablesRepair())
	assert.False(t, taskerrors.Timeout.DisablesRepair())
}

func TestWithStep(t *testing.T) {
	e := taskerrors.New(taskerrors.ScriptInvalid, "banned pattern").WithStep("step_2")
	assert.Equal(t, "step_2", e.Step)
	assert.Contains(t, e.Error(), "step_2")
}
