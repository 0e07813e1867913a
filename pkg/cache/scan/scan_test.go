package scan_test

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/modelhub/hubcache/pkg/cache"
	"github.com/modelhub/hubcache/pkg/cache/layout"
	"github.com/modelhub/hubcache/pkg/cache/scan"
)

const (
	commitA = "aaaa111100000000000000000000000000000000"
	commitB = "bbbb222200000000000000000000000000000000"
	commitC = "cccc333300000000000000000000000000000000"
)

var (
	modelRepo   = layout.Repo{ID: "org/model", Type: layout.RepoTypeModel}
	datasetRepo = layout.Repo{ID: "squad", Type: layout.RepoTypeDataset}
)

// newCache builds a cache over an in-memory filesystem, which has no symlink
// support and therefore exercises degraded mode.
func newCache(t *testing.T, fs afero.Fs) *cache.Cache {
	t.Helper()
	c, err := cache.New("hub", cache.WithFilesystem(fs), cache.WithoutDegradedWarning())
	require.NoError(t, err)
	return c
}

func fetch(t *testing.T, c *cache.Cache, repo layout.Repo, commit, ref, name, hash string, size int) {
	t.Helper()
	_, err := c.RecordFetch(context.Background(), cache.FetchParams{
		Repo:        repo,
		Commit:      commit,
		Ref:         ref,
		FileName:    name,
		ContentHash: hash,
		Content:     strings.NewReader(strings.Repeat("x", size)),
	})
	require.NoError(t, err)
}

func TestScan(t *testing.T) {
	t.Run("an empty or missing cache root yields an empty report", func(t *testing.T) {
		report, err := scan.New(afero.NewMemMapFs(), "hub").Scan(context.Background())
		require.NoError(t, err)
		require.Empty(t, report.Repos)
		require.Empty(t, report.Warnings)
		require.Zero(t, report.SizeOnDisk())
	})

	t.Run("reports repos, revisions, files and refs", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		c := newCache(t, fs)
		fetch(t, c, modelRepo, commitA, "main", "config.json", "h1", 100)
		fetch(t, c, modelRepo, commitA, "main", "weights.bin", "h2", 1000)
		fetch(t, c, datasetRepo, commitB, "main", "data.csv", "h3", 50)

		report, err := c.Scan(context.Background())
		require.NoError(t, err)
		require.Empty(t, report.Warnings)
		require.Len(t, report.Repos, 2)

		// Repos come back sorted by directory name.
		require.Equal(t, datasetRepo, report.Repos[0].Repo)
		require.Equal(t, modelRepo, report.Repos[1].Repo)

		model := report.Repos[1]
		require.Equal(t, int64(1100), model.SizeOnDisk)
		require.Len(t, model.Revisions, 1)

		rev := model.Revisions[0]
		require.Equal(t, commitA, rev.CommitHash)
		require.Equal(t, []string{"main"}, rev.Refs)
		require.Equal(t, int64(1100), rev.SizeOnDisk)
		require.Len(t, rev.Files, 2)
		require.Equal(t, "config.json", rev.Files[0].Name)
		require.Equal(t, "weights.bin", rev.Files[1].Name)

		require.Equal(t, int64(1150), report.SizeOnDisk())
	})

	t.Run("a revision without refs is reported as detached", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		c := newCache(t, fs)
		fetch(t, c, modelRepo, commitA, "main", "config.json", "h1", 100)
		fetch(t, c, modelRepo, commitB, "", "config.json", "h4", 100)

		report, err := c.Scan(context.Background())
		require.NoError(t, err)
		require.Empty(t, report.Warnings)
		require.Len(t, report.Repos, 1)
		require.Len(t, report.Repos[0].Revisions, 2)

		detached := report.Repos[0].Revisions[1]
		require.Equal(t, commitB, detached.CommitHash)
		require.Empty(t, detached.Refs)
	})

	t.Run("a ref pointing at a missing revision is a single warning", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		c := newCache(t, fs)
		fetch(t, c, modelRepo, commitA, "main", "config.json", "h1", 100)

		refPath := layout.RefsPath("hub", modelRepo) + "/dev"
		require.NoError(t, afero.WriteFile(fs, refPath, []byte(commitC), 0o644))

		report, err := c.Scan(context.Background())
		require.NoError(t, err)
		require.Len(t, report.Warnings, 1)

		var corrupted *scan.CorruptedCacheError
		require.ErrorAs(t, report.Warnings[0], &corrupted)
		require.Contains(t, corrupted.Error(), commitC)

		// The warning survives conversion for machine-readable output.
		require.Equal(t, []string{corrupted.Error()}, report.WarningStrings())

		// The repo itself still scans fine.
		require.Len(t, report.Repos, 1)
		require.Len(t, report.Repos[0].Revisions, 1)
	})

	t.Run("a malformed ref value is a warning, not a failure", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		c := newCache(t, fs)
		fetch(t, c, modelRepo, commitA, "main", "config.json", "h1", 100)

		refPath := layout.RefsPath("hub", modelRepo) + "/broken"
		require.NoError(t, afero.WriteFile(fs, refPath, []byte("not a hash"), 0o644))

		report, err := c.Scan(context.Background())
		require.NoError(t, err)
		require.Len(t, report.Warnings, 1)
		require.Len(t, report.Repos, 1)
	})

	t.Run("a directory outside the naming convention is isolated", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		c := newCache(t, fs)
		fetch(t, c, modelRepo, commitA, "main", "config.json", "h1", 100)
		require.NoError(t, fs.MkdirAll("hub/stray-directory", 0o755))

		report, err := c.Scan(context.Background())
		require.NoError(t, err)
		require.Len(t, report.Warnings, 1)
		require.Len(t, report.Repos, 1)
	})

	t.Run("dot-directories at the root are skipped", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		c := newCache(t, fs)
		fetch(t, c, modelRepo, commitA, "main", "config.json", "h1", 100)
		require.NoError(t, fs.MkdirAll("hub/.locks/models--org--model", 0o755))

		report, err := c.Scan(context.Background())
		require.NoError(t, err)
		require.Empty(t, report.Warnings)
		require.Len(t, report.Repos, 1)
	})

	t.Run("a snapshot entry that is not a commit hash is a warning", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		c := newCache(t, fs)
		fetch(t, c, modelRepo, commitA, "main", "config.json", "h1", 100)
		require.NoError(t, fs.MkdirAll(layout.SnapshotsPath("hub", modelRepo)+"/not-a-hash", 0o755))

		report, err := c.Scan(context.Background())
		require.NoError(t, err)
		require.Len(t, report.Warnings, 1)
		require.Len(t, report.Repos[0].Revisions, 1)
	})

	t.Run("scanning twice yields structurally equal reports", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		c := newCache(t, fs)
		fetch(t, c, modelRepo, commitA, "main", "config.json", "h1", 100)
		fetch(t, c, datasetRepo, commitB, "main", "data.csv", "h3", 50)

		first, err := c.Scan(context.Background())
		require.NoError(t, err)
		second, err := c.Scan(context.Background())
		require.NoError(t, err)
		require.Equal(t, first, second)
	})
}

func TestReportFindRevision(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := newCache(t, fs)
	fetch(t, c, modelRepo, commitA, "main", "config.json", "h1", 100)

	report, err := c.Scan(context.Background())
	require.NoError(t, err)

	repo, rev, ok := report.FindRevision(commitA)
	require.True(t, ok)
	require.Equal(t, modelRepo, repo.Repo)
	require.Equal(t, commitA, rev.CommitHash)

	_, _, ok = report.FindRevision(commitC)
	require.False(t, ok)
}
