package data

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDBRunsMigrations(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDB(dir)
	require.NoError(t, err)
	defer store.Close()

	assert.NoError(t, store.Health())

	for _, table := range []string{"templates", "tasks", "reasoning_memories", "vector_embeddings", "workers"} {
		var name string
		err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDB(dir)
	require.NoError(t, err)
	defer store.Close()

	assert.NoError(t, store.Migrate())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDB(dir)
	require.NoError(t, err)
	defer store.Close()

	err = store.WithTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO workers (worker_id, status, last_heartbeat, created_at, updated_at) VALUES (?, 'idle', '2026-01-01', '2026-01-01', '2026-01-01')`, "w1"); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.Error(t, err)

	var count int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM workers").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestValidateLocalPathRejectsNetworkMount(t *testing.T) {
	err := validateLocalPath("/mnt/shared/taskengine")
	assert.Error(t, err)
}
