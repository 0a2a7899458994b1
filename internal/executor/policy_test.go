package executor_test

import (
	"strings"
	"testing"

	"github.com/normanking/taskengine/internal/executor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateScriptRejectsBannedPattern(t *testing.T) {
	err := executor.ValidateScript(`[{"capability":"logger","args":{"message":"export API_KEY: sk-123"}}]`)
	require.Error(t, err)
}

func TestValidateScriptAcceptsCleanScript(t *testing.T) {
	err := executor.ValidateScript(`[{"capability":"logger","args":{"message":"hello"}}]`)
	assert.NoError(t, err)
}

func TestCheckCallRejectsOversizedPayload(t *testing.T) {
	p := executor.DefaultPolicy()
	p.MaxPayloadBytes = 10
	err := p.CheckCall("data_source", "invoice.list", map[string]any{"filter": strings.Repeat("x", 50)}, 100)
	require.Error(t, err)
}

func TestCheckCallRejectsBatchOverCap(t *testing.T) {
	p := executor.DefaultPolicy()
	p.MaxBatchSubCmds = 2
	batch := make([]any, 3)
	err := p.CheckCall("data_source", "invoice.list", map[string]any{"filter": "x", "batch": batch}, 10)
	require.Error(t, err)
}

func TestCheckCallAllowsNonDataSourceCapabilities(t *testing.T) {
	p := executor.DefaultPolicy()
	err := p.CheckCall("llm", "", map[string]any{"prompt": "hi"}, 10)
	assert.NoError(t, err)
}
