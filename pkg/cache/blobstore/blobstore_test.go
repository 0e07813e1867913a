package blobstore_test

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/modelhub/hubcache/pkg/cache/blobstore"
)

func TestStore(t *testing.T) {
	t.Run("stores and resolves a blob", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		store := blobstore.New(fs, "blobs")

		path, err := store.Store("abc123", strings.NewReader("hello"))
		require.NoError(t, err)

		content, err := afero.ReadFile(fs, path)
		require.NoError(t, err)
		require.Equal(t, "hello", string(content))

		resolved, err := store.Resolve("abc123")
		require.NoError(t, err)
		require.Equal(t, path, resolved)
	})

	t.Run("re-storing an existing hash is a no-op", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		store := blobstore.New(fs, "blobs")

		path, err := store.Store("abc123", strings.NewReader("hello"))
		require.NoError(t, err)

		// Content is keyed by its own hash, so a second writer carries
		// identical bytes; the store must not rewrite.
		_, err = store.Store("abc123", strings.NewReader("hello"))
		require.NoError(t, err)

		content, err := afero.ReadFile(fs, path)
		require.NoError(t, err)
		require.Equal(t, "hello", string(content))
	})

	t.Run("resolving a missing blob returns ErrNotFound", func(t *testing.T) {
		store := blobstore.New(afero.NewMemMapFs(), "blobs")
		_, err := store.Resolve("missing")
		require.ErrorIs(t, err, blobstore.ErrNotFound)
	})

	t.Run("leaves no temporary files behind", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		store := blobstore.New(fs, "blobs")

		_, err := store.Store("abc123", strings.NewReader("hello"))
		require.NoError(t, err)

		entries, err := afero.ReadDir(fs, "blobs")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, "abc123", entries[0].Name())
	})
}
