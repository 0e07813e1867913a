package deletion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/modelhub/hubcache/pkg/cache/layout"
)

// ErrLocked is returned when another process holds the deletion lock of a
// repository this strategy needs to mutate. The caller should retry with a
// fresh plan once the other deletion finishes.
var ErrLocked = errors.New("repository is locked by another deletion")

// Executor applies deletion strategies to a cache root.
type Executor struct {
	fs   afero.Fs
	root string
}

// NewExecutor creates an Executor for the given cache root.
func NewExecutor(fs afero.Fs, root string) *Executor {
	return &Executor{fs: fs, root: root}
}

// Execute applies the strategy and returns the number of bytes actually
// freed, which is at most the plan's expected size: paths already gone at
// execution time are logged and skipped, never fatal. Per repository the
// order is snapshots, then blobs (under the repo's advisory lock), then
// refs and negative-cache markers, or the whole repo directory when nothing
// remains. Genuine I/O failures abort and propagate.
func (e *Executor) Execute(ctx context.Context, strategy *Strategy) (int64, error) {
	var freed int64
	for _, rd := range strategy.repos {
		if err := ctx.Err(); err != nil {
			return freed, err
		}
		n, err := e.executeRepo(rd)
		freed += n
		if err != nil {
			return freed, err
		}
	}
	return freed, nil
}

func (e *Executor) executeRepo(rd repoDeletion) (int64, error) {
	unlock, err := e.lockRepo(rd.dirName)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if rd.wholeRepo {
		return e.removeRepo(rd)
	}

	// Blob sizes are recorded before snapshots are removed: in degraded mode
	// a blob lives inside its snapshot directory, so removing the snapshot
	// already frees it.
	existing := map[string]int64{}
	for path := range rd.blobs {
		info, err := e.fs.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				log.Warnf("blob %s already gone, skipping", path)
				continue
			}
			return 0, fmt.Errorf("statting blob %s: %w", path, err)
		}
		existing[path] = info.Size()
	}

	var freed int64
	for _, path := range rd.snapshots {
		if _, err := e.fs.Stat(path); os.IsNotExist(err) {
			log.Warnf("snapshot %s already gone, skipping", path)
			continue
		}
		if err := e.fs.RemoveAll(path); err != nil {
			return freed, fmt.Errorf("removing snapshot %s: %w", path, err)
		}
	}

	for path, size := range existing {
		if err := e.fs.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				return freed, fmt.Errorf("removing blob %s: %w", path, err)
			}
			// Removed along with its snapshot directory (degraded mode);
			// the bytes are freed either way.
			if !underAny(path, rd.snapshots) {
				log.Warnf("blob %s vanished during deletion", path)
				continue
			}
		}
		freed += size
	}

	for _, path := range rd.refs {
		if err := e.fs.Remove(path); err != nil {
			if os.IsNotExist(err) {
				log.Warnf("ref file %s already gone, skipping", path)
				continue
			}
			return freed, fmt.Errorf("removing ref file %s: %w", path, err)
		}
	}

	// Negative-cache markers take no accountable space but must not outlive
	// their revision.
	for _, path := range rd.noExist {
		if err := e.fs.RemoveAll(path); err != nil {
			return freed, fmt.Errorf("removing negative cache entries %s: %w", path, err)
		}
	}
	return freed, nil
}

// removeRepo deletes an entire repository directory, returning the bytes it
// physically held in blob content (snapshot symlinks and metadata files are
// not counted, matching how the scanner sizes a repo).
func (e *Executor) removeRepo(rd repoDeletion) (int64, error) {
	if _, err := e.fs.Stat(rd.repoPath); err != nil {
		if os.IsNotExist(err) {
			log.Warnf("repo directory %s already gone, skipping", rd.repoPath)
			return 0, nil
		}
		return 0, fmt.Errorf("statting repo directory %s: %w", rd.repoPath, err)
	}

	var freed int64
	for _, sub := range []string{layout.BlobsDir, layout.SnapshotsDir} {
		dir := filepath.Join(rd.repoPath, sub)
		err := afero.Walk(e.fs, dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
				return nil
			}
			freed += info.Size()
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("sizing repo directory %s: %w", rd.repoPath, err)
		}
	}

	if err := e.fs.RemoveAll(rd.repoPath); err != nil {
		return 0, fmt.Errorf("removing repo directory %s: %w", rd.repoPath, err)
	}
	return freed, nil
}

// lockRepo takes the advisory per-repo deletion lock. Concurrent deletions
// over the same repo could otherwise both decide a shared blob is
// unreferenced from stale views and delete it.
func (e *Executor) lockRepo(dirName string) (func(), error) {
	path := layout.LockPath(e.root, dirName)
	if err := e.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := e.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dirName)
		}
		return nil, fmt.Errorf("acquiring deletion lock for %s: %w", dirName, err)
	}
	return func() {
		f.Close()
		if err := e.fs.Remove(path); err != nil {
			log.Warnf("releasing deletion lock for %s: %s", dirName, err)
		}
	}, nil
}

func underAny(path string, dirs []string) bool {
	for _, dir := range dirs {
		if strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
