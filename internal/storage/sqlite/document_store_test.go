package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

func openTestStore(t *testing.T) *DocumentStore {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "catalog.db"), "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertKeepsIdentityAndReplacesFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	first := catalog.Product{Identity: "id-1", Title: "Projector", Price: "$900", Link: "https://shop.test/p"}
	require.NoError(t, store.Upsert(ctx, first))

	second := catalog.Product{Identity: "id-2", Title: "Projector 4K", Price: "$950", Link: "https://shop.test/p"}
	require.NoError(t, store.Upsert(ctx, second))

	got, err := store.Get(ctx, "https://shop.test/p")
	require.NoError(t, err)
	require.Equal(t, "id-1", got.Identity)
	require.Equal(t, "Projector 4K", got.Title)
	require.Equal(t, "$950", got.Price)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestUpsertManyIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	batch := []catalog.Product{
		{Identity: "a", Link: "https://shop.test/a"},
		{Identity: "b", Link: "https://shop.test/b"},
		{Identity: "bad"},
	}
	failures, err := store.UpsertMany(ctx, batch)
	require.NoError(t, err)
	require.Len(t, failures, 1)

	failures, err = store.UpsertMany(ctx, batch[:2])
	require.NoError(t, err)
	require.Empty(t, failures)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "https://shop.test/none")
	require.True(t, errors.Is(err, catalog.ErrNotFound))
}

func TestUpsertManyCanceled(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.UpsertMany(ctx, []catalog.Product{{Identity: "a", Link: "https://shop.test/a"}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestOpenValidation(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), "", "", nil)
	require.Error(t, err)
	_, err = Open(context.Background(), filepath.Join(t.TempDir(), "x.db"), "bad-name", nil)
	require.Error(t, err)
}
