package cache_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/modelhub/hubcache/pkg/cache"
	"github.com/modelhub/hubcache/pkg/cache/blobstore"
	"github.com/modelhub/hubcache/pkg/cache/layout"
)

const (
	commitA = "aaaa111100000000000000000000000000000000"
	commitB = "bbbb222200000000000000000000000000000000"
)

var modelRepo = layout.Repo{ID: "org/model", Type: layout.RepoTypeModel}

func newMemCache(t *testing.T) (*cache.Cache, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	c, err := cache.New("hub", cache.WithFilesystem(fs), cache.WithoutDegradedWarning())
	require.NoError(t, err)
	return c, fs
}

func fetch(t *testing.T, c *cache.Cache, commit, ref, name, hash, content string) string {
	t.Helper()
	blobPath, err := c.RecordFetch(context.Background(), cache.FetchParams{
		Repo:        modelRepo,
		Commit:      commit,
		Ref:         ref,
		FileName:    name,
		ContentHash: hash,
		Content:     strings.NewReader(content),
	})
	require.NoError(t, err)
	return blobPath
}

func TestNew(t *testing.T) {
	t.Run("rejects an empty root", func(t *testing.T) {
		_, err := cache.New("")
		require.Error(t, err)
	})

	t.Run("does not create the root directory", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		_, err := cache.New("hub", cache.WithFilesystem(fs))
		require.NoError(t, err)

		_, err = fs.Stat("hub")
		require.True(t, os.IsNotExist(err))
	})
}

func TestRecordFetch(t *testing.T) {
	t.Run("stores content and updates the ref", func(t *testing.T) {
		c, fs := newMemCache(t)
		blobPath := fetch(t, c, commitA, "main", "config.json", "h1", "content")

		content, err := afero.ReadFile(fs, blobPath)
		require.NoError(t, err)
		require.Equal(t, "content", string(content))

		refContent, err := afero.ReadFile(fs, filepath.Join(layout.RefsPath("hub", modelRepo), "main"))
		require.NoError(t, err)
		require.Equal(t, commitA, string(refContent))
	})

	t.Run("skips the ref update for pinned fetches", func(t *testing.T) {
		c, fs := newMemCache(t)
		fetch(t, c, commitA, "", "config.json", "h1", "content")

		_, err := fs.Stat(layout.RefsPath("hub", modelRepo))
		require.True(t, os.IsNotExist(err))
	})

	t.Run("validates its parameters", func(t *testing.T) {
		c, _ := newMemCache(t)
		_, err := c.RecordFetch(context.Background(), cache.FetchParams{
			Repo:        modelRepo,
			Commit:      "main",
			FileName:    "config.json",
			ContentHash: "h1",
			Content:     strings.NewReader(""),
		})
		require.Error(t, err)

		_, err = c.RecordFetch(context.Background(), cache.FetchParams{
			Repo:        layout.Repo{ID: "", Type: layout.RepoTypeModel},
			Commit:      commitA,
			FileName:    "config.json",
			ContentHash: "h1",
			Content:     strings.NewReader(""),
		})
		require.Error(t, err)
	})
}

func TestLookup(t *testing.T) {
	t.Run("present, absent and unknown are mutually exclusive", func(t *testing.T) {
		c, _ := newMemCache(t)
		fetch(t, c, commitA, "main", "config.json", "h1", "content")
		require.NoError(t, c.RecordAbsent(context.Background(), modelRepo, commitA, "optional.json"))

		present, err := c.Lookup(modelRepo, commitA, "config.json")
		require.NoError(t, err)
		require.Equal(t, cache.LookupPresent, present.State)
		require.NotEmpty(t, present.BlobPath)

		absent, err := c.Lookup(modelRepo, commitA, "optional.json")
		require.NoError(t, err)
		require.Equal(t, cache.LookupAbsent, absent.State)
		require.Empty(t, absent.BlobPath)

		unknown, err := c.Lookup(modelRepo, commitA, "never-heard-of.json")
		require.NoError(t, err)
		require.Equal(t, cache.LookupUnknown, unknown.State)
	})

	t.Run("an unknown answer is not memoized", func(t *testing.T) {
		c, _ := newMemCache(t)

		result, err := c.Lookup(modelRepo, commitA, "config.json")
		require.NoError(t, err)
		require.Equal(t, cache.LookupUnknown, result.State)

		fetch(t, c, commitA, "main", "config.json", "h1", "content")

		result, err = c.Lookup(modelRepo, commitA, "config.json")
		require.NoError(t, err)
		require.Equal(t, cache.LookupPresent, result.State)
	})

	t.Run("presence wins over a stale absence marker", func(t *testing.T) {
		c, fs := newMemCache(t)
		require.NoError(t, c.RecordAbsent(context.Background(), modelRepo, commitA, "config.json"))
		fetch(t, c, commitA, "main", "config.json", "h1", "content")

		// A fresh Cache over the same filesystem sees both the marker and
		// the snapshot entry on disk; the entry is authoritative.
		fresh, err := cache.New("hub", cache.WithFilesystem(fs), cache.WithoutDegradedWarning())
		require.NoError(t, err)

		result, err := fresh.Lookup(modelRepo, commitA, "config.json")
		require.NoError(t, err)
		require.Equal(t, cache.LookupPresent, result.State)
	})
}

func TestSymlinkMode(t *testing.T) {
	fs := afero.NewOsFs()
	scratch := t.TempDir()
	if !blobstore.ProbeSymlinks(fs, filepath.Join(scratch, "probe")) {
		t.Skip("filesystem does not support symlinks")
	}

	t.Run("identical content is stored once across revisions", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "hub")
		c, err := cache.New(root, cache.WithFilesystem(fs))
		require.NoError(t, err)

		for _, commit := range []string{commitA, commitB} {
			_, err := c.RecordFetch(context.Background(), cache.FetchParams{
				Repo:        modelRepo,
				Commit:      commit,
				Ref:         "",
				FileName:    "config.json",
				ContentHash: "h1",
				Content:     strings.NewReader("same content"),
			})
			require.NoError(t, err)
		}

		blobs, err := afero.ReadDir(fs, layout.BlobsPath(root, modelRepo))
		require.NoError(t, err)
		require.Len(t, blobs, 1)

		for _, commit := range []string{commitA, commitB} {
			result, err := c.Lookup(modelRepo, commit, "config.json")
			require.NoError(t, err)
			require.Equal(t, cache.LookupPresent, result.State)
			require.Equal(t, filepath.Join(layout.BlobsPath(root, modelRepo), "h1"), result.BlobPath)
		}
	})

	t.Run("WithSymlinksDisabled forces copies", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "hub")
		c, err := cache.New(root, cache.WithFilesystem(fs), cache.WithSymlinksDisabled())
		require.NoError(t, err)

		_, err = c.RecordFetch(context.Background(), cache.FetchParams{
			Repo:        modelRepo,
			Commit:      commitA,
			FileName:    "config.json",
			ContentHash: "h1",
			Content:     strings.NewReader("content"),
		})
		require.NoError(t, err)

		entry := filepath.Join(layout.SnapshotsPath(root, modelRepo), commitA, "config.json")
		info, err := os.Lstat(entry)
		require.NoError(t, err)
		require.Zero(t, info.Mode()&os.ModeSymlink)

		_, err = fs.Stat(layout.BlobsPath(root, modelRepo))
		require.True(t, os.IsNotExist(err))
	})
}
