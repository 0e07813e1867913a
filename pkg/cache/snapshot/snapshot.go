// Package snapshot implements the per-revision view of a repository: a
// directory tree per commit hash in which every file entry resolves to
// stored content, plus the negative cache of known-absent files.
package snapshot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/modelhub/hubcache/pkg/cache/blobstore"
)

// ErrNotFound is returned by Resolve when a revision has no entry for a
// file name.
var ErrNotFound = errors.New("snapshot entry not found")

// Tree manages the snapshots directory of a single repository. How an entry
// physically holds content (symlink into the blob store, or a direct copy
// in degraded mode) is the FileStore's concern.
type Tree struct {
	fs    afero.Fs
	dir   string
	files blobstore.FileStore
}

// New creates a Tree over the given snapshots directory.
func New(fs afero.Fs, dir string, files blobstore.FileStore) *Tree {
	return &Tree{fs: fs, dir: dir, files: files}
}

// EntryPath returns where the entry for fileName lives within the snapshot
// of commit. fileName is slash-separated and may contain subdirectories.
func (t *Tree) EntryPath(commit, fileName string) string {
	return filepath.Join(t.dir, commit, filepath.FromSlash(fileName))
}

// Materialize creates or replaces the snapshot entry so that fileName at
// commit resolves to the given content, and returns the entry path and the
// physical blob path. Within one revision a file name appears at most once;
// materializing again replaces the entry.
func (t *Tree) Materialize(commit, fileName, hash string, content io.Reader) (entry, blob string, err error) {
	dst := t.EntryPath(commit, fileName)
	if err := t.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", "", fmt.Errorf("creating snapshot directory: %w", err)
	}
	blobPath, err := t.files.Put(hash, content, dst)
	if err != nil {
		return "", "", err
	}
	return dst, blobPath, nil
}

// Resolve returns the physical path holding the content of fileName at
// commit: the blob path when the entry is a symlink, or the entry itself in
// degraded mode. Returns ErrNotFound when the revision has no such entry.
func (t *Tree) Resolve(commit, fileName string) (string, error) {
	entry := t.EntryPath(commit, fileName)
	info, err := lstat(t.fs, entry)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("statting snapshot entry %s: %w", entry, err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return entry, nil
	}
	reader, ok := t.fs.(afero.LinkReader)
	if !ok {
		return entry, nil
	}
	target, err := reader.ReadlinkIfPossible(entry)
	if err != nil {
		return "", fmt.Errorf("reading snapshot link %s: %w", entry, err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(entry), target)
	}
	return filepath.Clean(target), nil
}

// lstat stats without following symlinks where the filesystem supports it.
func lstat(fs afero.Fs, path string) (os.FileInfo, error) {
	if lstater, ok := fs.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(path)
		return info, err
	}
	return fs.Stat(path)
}
