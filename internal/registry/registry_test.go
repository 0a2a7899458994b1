package registry_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/normanking/taskengine/internal/data"
	"github.com/normanking/taskengine/internal/registry"
	"github.com/normanking/taskengine/internal/vectorindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 16

// bagEmbedder is a deterministic fake: it buckets characters into a
// fixed-width vector so near-identical strings embed near-identically,
// without pulling in a real model.
type bagEmbedder struct{}

func (bagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, testDim)
	for _, r := range strings.ToLower(text) {
		v[int(r)%testDim]++
	}
	return v, nil
}

func newHarness(t *testing.T) (*registry.Registry, *registry.Store) {
	t.Helper()
	store, err := data.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rstore := registry.NewStore(store.DB())
	idx := vectorindex.New(store.DB())
	reg := registry.New(rstore, idx, bagEmbedder{})
	return reg, rstore
}

func mkTemplate(id, name string) *registry.Template {
	return &registry.Template{
		ID:      id,
		Name:    name,
		Enabled: true,
		Version: 1,
		CreatedAt: time.Now().UTC(),
	}
}

func TestPutThenGetRoundTrips(t *testing.T) {
	reg, _ := newHarness(t)
	ctx := context.Background()

	tpl := mkTemplate("tpl_invoice_lookup", "Invoice Lookup")
	require.NoError(t, reg.Put(ctx, tpl))

	got, err := reg.Get(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, tpl.Name, got.Name)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	reg, _ := newHarness(t)
	_, err := reg.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestFindByUtteranceMatchesOnName(t *testing.T) {
	reg, _ := newHarness(t)
	ctx := context.Background()

	tpl := mkTemplate("tpl_invoice_lookup", "Invoice Lookup")
	require.NoError(t, reg.Put(ctx, tpl))

	result, err := reg.FindByUtterance(ctx, "Invoice Lookup", registry.MatchOpts{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "tpl_invoice_lookup", result.Template.ID)
}

func TestFindByUtteranceExcludesDisabledFromCombinedPhase(t *testing.T) {
	reg, _ := newHarness(t)
	ctx := context.Background()

	tpl := mkTemplate("tpl_refund", "Process Refund")
	tpl.Enabled = false
	require.NoError(t, reg.Put(ctx, tpl))

	result, err := reg.FindByUtterance(ctx, "something about a refund please", registry.MatchOpts{})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestGetByNameFuzzyResolvesSynonym(t *testing.T) {
	reg, _ := newHarness(t)
	ctx := context.Background()

	tpl := mkTemplate("tpl_overdue", "Overdue Invoice Report")
	require.NoError(t, reg.Put(ctx, tpl))

	got, err := reg.GetByNameFuzzy(ctx, "missed invoice report")
	require.NoError(t, err)
	assert.Equal(t, "tpl_overdue", got.ID)
}

func TestSetEnabledInvalidatesCache(t *testing.T) {
	reg, _ := newHarness(t)
	ctx := context.Background()

	tpl := mkTemplate("tpl_x", "X Template")
	require.NoError(t, reg.Put(ctx, tpl))
	_, err := reg.Get(ctx, tpl.ID)
	require.NoError(t, err)

	require.NoError(t, reg.SetEnabled(ctx, tpl.ID, false))

	got, err := reg.Get(ctx, tpl.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestDeleteRemovesFromStoreAndIndex(t *testing.T) {
	reg, store := newHarness(t)
	ctx := context.Background()

	tpl := mkTemplate("tpl_del", "Deletable Template")
	require.NoError(t, reg.Put(ctx, tpl))
	require.NoError(t, reg.Delete(ctx, tpl.ID))

	_, err := store.Get(ctx, tpl.ID)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	result, err := reg.FindByUtterance(ctx, "Deletable Template", registry.MatchOpts{})
	require.NoError(t, err)
	assert.Nil(t, result)
}
