package executor_test

import (
	"testing"

	"github.com/normanking/taskengine/internal/executor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScriptRejectsEmptyArray(t *testing.T) {
	_, err := executor.ParseScript(`[]`)
	require.Error(t, err)
}

func TestParseScriptRejectsMissingCapability(t *testing.T) {
	_, err := executor.ParseScript(`[{"method":"invoice.list"}]`)
	require.Error(t, err)
}

func TestParseScriptAcceptsWellFormedSteps(t *testing.T) {
	s, err := executor.ParseScript(`[{"capability":"data_source","method":"invoice.list","args":{"filter":"x"}}]`)
	require.NoError(t, err)
	assert.Len(t, s.Steps, 1)
	assert.Equal(t, "invoice.list", s.Steps[0].Method)
}
