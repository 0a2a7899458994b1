package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Orchestrator.MaxRetryDepth)
	assert.Equal(t, 0.85, cfg.Registry.ThresholdHigh)
	assert.Equal(t, 100, cfg.Memory.PerTemplateQuota)
}

func TestLoadFromPathCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, Default().Orchestrator.DefaultPriority, cfg.Orchestrator.DefaultPriority)
}

func TestLoadFromPathRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	cfg.Orchestrator.DefaultPriority = 77
	require.NoError(t, cfg.SaveToPath(path))

	reloaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 77, reloaded.Orchestrator.DefaultPriority)
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	cfg := Default()
	cfg.Registry.ThresholdHigh = 0.4
	cfg.Registry.ThresholdLow = 0.6
	assert.Error(t, cfg.Validate())
}

func TestQueueIntervalDuration(t *testing.T) {
	cfg := Default()
	assert.Equal(t, int64(5), cfg.Orchestrator.QueueInterval().Nanoseconds()/1e9)
}
