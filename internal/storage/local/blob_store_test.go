// Package local_test tests the local filesystem blob store.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		tempDir := t.TempDir()
		store, err := local.New(local.Config{BaseDir: tempDir})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "data")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObjectAndGetObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("ValidPut", func(t *testing.T) {
		data := []byte(`[{"link":"https://shop.test/p/1"}]`)
		uri, err := store.PutObject(ctx, "products.json", "application/json", data)
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, "products.json"), uri)

		got, err := store.GetObject(ctx, "products.json")
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("OverwriteReplacesWholeFile", func(t *testing.T) {
		_, err := store.PutObject(ctx, "snap.json", "application/json", []byte("a much longer first payload"))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, "snap.json", "application/json", []byte("short"))
		require.NoError(t, err)

		got, err := store.GetObject(ctx, "snap.json")
		require.NoError(t, err)
		assert.Equal(t, "short", string(got))

		entries, err := os.ReadDir(tempDir)
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotContains(t, e.Name(), ".tmp-", "temp file left behind")
		}
	})

	t.Run("NestedPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, "a/b/c/object.json", "application/json", []byte("nested"))
		require.NoError(t, err)
		got, err := store.GetObject(ctx, "a/b/c/object.json")
		require.NoError(t, err)
		assert.Equal(t, "nested", string(got))
	})

	t.Run("MissingObject", func(t *testing.T) {
		_, err := store.GetObject(ctx, "missing.json")
		require.ErrorIs(t, err, catalog.ErrNotFound)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", "application/json", []byte("data"))
		assert.Error(t, err)
	})

	t.Run("PathTraversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape.json", "application/json", []byte("data"))
		assert.Error(t, err)
		_, err = store.GetObject(ctx, "../../etc/passwd")
		assert.Error(t, err)
	})
}
