// Package cache is the entry point to the local repository cache: a
// content-addressed blob store with per-revision snapshot trees, ref
// tracking and a negative cache, plus scanning and deletion on top. The
// download component records fetched content through RecordFetch and
// RecordAbsent; readers ask Lookup; cache management goes through Scan,
// PlanDeletion and Execute.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/afero"

	"github.com/modelhub/hubcache/pkg/cache/blobstore"
	"github.com/modelhub/hubcache/pkg/cache/deletion"
	"github.com/modelhub/hubcache/pkg/cache/layout"
	"github.com/modelhub/hubcache/pkg/cache/refs"
	"github.com/modelhub/hubcache/pkg/cache/scan"
	"github.com/modelhub/hubcache/pkg/cache/snapshot"
)

var log = logging.Logger("cache")

// lookupCacheSize bounds the in-process memo of lookup results.
const lookupCacheSize = 1024

// Cache manages one cache root. It is safe for concurrent use within a
// process; coordination across processes relies on the atomic-write and
// advisory-lock conventions of the individual components.
type Cache struct {
	fs              afero.Fs
	root            string
	disableSymlinks bool
	quietDegraded   bool

	probeOnce sync.Once
	symlinks  bool

	lookups *lru.Cache[string, Lookup]
}

// New creates a Cache over root. The root directory itself is created
// lazily on the first recorded fetch, never by New.
func New(root string, opts ...Option) (*Cache, error) {
	if root == "" {
		return nil, errors.New("cache root cannot be empty")
	}
	c := &Cache{fs: afero.NewOsFs(), root: root}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	lookups, err := lru.New[string, Lookup](lookupCacheSize)
	if err != nil {
		return nil, err
	}
	c.lookups = lookups
	return c, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// FetchParams describes one fetched file: which repository and revision it
// belongs to, the ref that resolved to that revision (if any), its name
// within the snapshot, and its content keyed by content hash.
type FetchParams struct {
	Repo        layout.Repo
	Commit      string
	Ref         string // optional; empty for a fetch pinned to a commit
	FileName    string
	ContentHash string
	Content     io.Reader
}

func (p FetchParams) validate() error {
	if err := p.Repo.Validate(); err != nil {
		return err
	}
	if !layout.IsCommitHash(p.Commit) {
		return fmt.Errorf("malformed commit hash %q", p.Commit)
	}
	if p.FileName == "" {
		return errors.New("file name cannot be empty")
	}
	if p.ContentHash == "" {
		return errors.New("content hash cannot be empty")
	}
	if p.Content == nil {
		return errors.New("content cannot be nil")
	}
	return nil
}

// RecordFetch stores a fetched file: the blob goes into the content store
// (or straight into the snapshot in degraded mode), the snapshot entry is
// materialized, and the ref is updated when one was used. It returns the
// physical blob path. This is the single write-side entry point the
// download component calls.
func (c *Cache) RecordFetch(ctx context.Context, p FetchParams) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := c.fs.MkdirAll(c.root, 0o755); err != nil {
		return "", fmt.Errorf("creating cache root: %w", err)
	}

	files, err := c.fileStore(p.Repo)
	if err != nil {
		return "", err
	}
	tree := snapshot.New(c.fs, layout.SnapshotsPath(c.root, p.Repo), files)
	_, blobPath, err := tree.Materialize(p.Commit, p.FileName, p.ContentHash, p.Content)
	if err != nil {
		return "", err
	}
	if p.Ref != "" {
		tracker := refs.New(c.fs, layout.RefsPath(c.root, p.Repo))
		if err := tracker.Update(p.Ref, p.Commit); err != nil {
			return "", err
		}
	}
	c.lookups.Add(lookupKey(p.Repo, p.Commit, p.FileName), Lookup{State: LookupPresent, BlobPath: blobPath})
	return blobPath, nil
}

// RecordAbsent records that an optional file is confirmed absent at a
// revision, so future lookups can answer without a remote probe.
func (c *Cache) RecordAbsent(ctx context.Context, repo layout.Repo, commit, fileName string) error {
	if err := repo.Validate(); err != nil {
		return err
	}
	if !layout.IsCommitHash(commit) {
		return fmt.Errorf("malformed commit hash %q", commit)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	noExist := snapshot.NewNoExist(c.fs, layout.NoExistPath(c.root, repo))
	if err := noExist.MarkAbsent(commit, fileName); err != nil {
		return err
	}
	c.lookups.Add(lookupKey(repo, commit, fileName), Lookup{State: LookupAbsent})
	return nil
}

// LookupState classifies what the cache knows about a (revision, file) pair.
// The three states are exhaustive and mutually exclusive: callers consult
// Lookup before deciding whether a network probe is needed at all.
type LookupState int

const (
	// LookupUnknown means the cache has no information; the caller must
	// probe the remote.
	LookupUnknown LookupState = iota
	// LookupPresent means the file is cached; BlobPath holds its content.
	LookupPresent
	// LookupAbsent means the file is confirmed absent at this revision.
	LookupAbsent
)

// Lookup is the answer to a cache lookup.
type Lookup struct {
	State    LookupState
	BlobPath string
}

// Lookup reports whether fileName at commit is cached, known absent, or
// unknown. A cached file wins over a stale absence marker if both exist.
// Present and absent answers are memoized; unknown is not, so a later fetch
// is observed immediately.
func (c *Cache) Lookup(repo layout.Repo, commit, fileName string) (Lookup, error) {
	if err := repo.Validate(); err != nil {
		return Lookup{}, err
	}
	key := lookupKey(repo, commit, fileName)
	if result, ok := c.lookups.Get(key); ok {
		return result, nil
	}

	tree := snapshot.New(c.fs, layout.SnapshotsPath(c.root, repo), nil)
	blobPath, err := tree.Resolve(commit, fileName)
	if err == nil {
		result := Lookup{State: LookupPresent, BlobPath: blobPath}
		c.lookups.Add(key, result)
		return result, nil
	}
	if !errors.Is(err, snapshot.ErrNotFound) {
		return Lookup{}, err
	}

	noExist := snapshot.NewNoExist(c.fs, layout.NoExistPath(c.root, repo))
	absent, err := noExist.KnownAbsent(commit, fileName)
	if err != nil {
		return Lookup{}, err
	}
	if absent {
		result := Lookup{State: LookupAbsent}
		c.lookups.Add(key, result)
		return result, nil
	}
	return Lookup{State: LookupUnknown}, nil
}

// Scan walks the cache root and returns a point-in-time report.
func (c *Cache) Scan(ctx context.Context) (*scan.Report, error) {
	return scan.New(c.fs, c.root).Scan(ctx)
}

// PlanDeletion scans the cache and computes a deletion strategy for the
// given targets. The strategy is a dry-run artifact: nothing is deleted
// until Execute.
func (c *Cache) PlanDeletion(ctx context.Context, targets ...deletion.Target) (*deletion.Strategy, error) {
	report, err := c.Scan(ctx)
	if err != nil {
		return nil, err
	}
	return deletion.Plan(report, targets), nil
}

// Execute applies a deletion strategy and returns the bytes actually freed.
// The in-process lookup memo is dropped wholesale afterwards; it is cheap
// to rebuild and precise invalidation is not worth tracking.
func (c *Cache) Execute(ctx context.Context, strategy *deletion.Strategy) (int64, error) {
	freed, err := deletion.NewExecutor(c.fs, c.root).Execute(ctx, strategy)
	c.lookups.Purge()
	return freed, err
}

// fileStore picks the snapshot materialization strategy for a repository,
// probing symlink support once per Cache.
func (c *Cache) fileStore(repo layout.Repo) (blobstore.FileStore, error) {
	c.probeOnce.Do(func() {
		if c.disableSymlinks {
			return
		}
		c.symlinks = blobstore.ProbeSymlinks(c.fs, filepath.Join(c.root, layout.LocksDir))
		if !c.symlinks && !c.quietDegraded {
			log.Warnf("filesystem at %s does not support symlinks; cached files will be duplicated across revisions", c.root)
		}
	})
	if !c.symlinks {
		return blobstore.NewCopyBacked(c.fs), nil
	}
	store := blobstore.New(c.fs, layout.BlobsPath(c.root, repo))
	return blobstore.NewSymlinkBacked(c.fs, store)
}

func lookupKey(repo layout.Repo, commit, fileName string) string {
	return repo.DirName() + "/" + commit + "/" + fileName
}
