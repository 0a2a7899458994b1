package reasoningmemory

import (
	"context"
	"fmt"
	"testing"

	"github.com/normanking/taskengine/internal/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := data.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db.DB())
}

func TestInsertThenGetRoundTrips(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := validMemory()
	m.TemplateID = "tpl_a"
	require.NoError(t, store.Insert(ctx, m))

	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Title, got.Title)
	assert.Equal(t, "tpl_a", got.TemplateID)
}

func TestInsertRejectsInvalidMemory(t *testing.T) {
	store := newTestStore(t)
	m := validMemory()
	m.Content = ""
	assert.ErrorIs(t, store.Insert(context.Background(), m), ErrEmptyContent)
}

func TestEnforceQuotaEvictsOldest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < perTemplateQuota+5; i++ {
		m := validMemory()
		m.ID = fmt.Sprintf("mem_%03d", i)
		m.TemplateID = "tpl_busy"
		require.NoError(t, store.Insert(ctx, m))
	}

	var count int
	require.NoError(t, store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reasoning_memories WHERE template_id = ?`, "tpl_busy").Scan(&count))
	assert.Equal(t, perTemplateQuota, count)

	_, err := store.Get(ctx, "mem_000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordOutcomeUpdatesSuccessRate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := validMemory()
	require.NoError(t, store.Insert(ctx, m))

	require.NoError(t, store.RecordOutcome(ctx, m.ID, true))
	require.NoError(t, store.RecordOutcome(ctx, m.ID, true))
	require.NoError(t, store.RecordOutcome(ctx, m.ID, false))

	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TimesUsedInSuccess)
	assert.Equal(t, 1, got.TimesUsedInFailure)
	assert.InDelta(t, 2.0/3.0, got.SuccessRate, 1e-6)
}

func TestStatsAggregatesBySourceAndCategory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := validMemory()
	a.ID = "mem_a"
	require.NoError(t, store.Insert(ctx, a))

	b := validMemory()
	b.ID = "mem_b"
	b.Category = CategoryErrorPattern
	require.NoError(t, store.Insert(ctx, b))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.BySource[SourceTaskSuccess])
	assert.Equal(t, 1, stats.ByCategory[CategoryFixStrategy])
	assert.Equal(t, 1, stats.ByCategory[CategoryErrorPattern])
}
