package blobstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// FileStore abstracts how fetched content becomes a snapshot entry. The
// symlink-backed variant stores content once in the blob store and links
// every snapshot entry to it; the copy-backed variant is the degraded mode
// for platforms without symlink support and writes content directly into
// the snapshot, leaving the blobs directory unused.
type FileStore interface {
	// Put stores content identified by hash and makes entryPath resolve to
	// it, replacing any existing entry. It returns the physical blob path,
	// which is entryPath itself in degraded mode.
	Put(hash string, content io.Reader, entryPath string) (string, error)
}

// ProbeSymlinks reports whether fs supports symbolic links, determined once
// by attempting a symlink in scratchDir.
func ProbeSymlinks(fs afero.Fs, scratchDir string) bool {
	symlinker, ok := fs.(afero.Symlinker)
	if !ok {
		return false
	}
	if err := fs.MkdirAll(scratchDir, 0o755); err != nil {
		return false
	}
	target := filepath.Join(scratchDir, "probe-target-"+uuid.NewString())
	link := filepath.Join(scratchDir, "probe-link-"+uuid.NewString())
	if err := afero.WriteFile(fs, target, nil, 0o644); err != nil {
		return false
	}
	defer fs.Remove(target)
	if err := symlinker.SymlinkIfPossible(target, link); err != nil {
		return false
	}
	fs.Remove(link)
	return true
}

// SymlinkBacked is the FileStore for filesystems with symlink support:
// content is stored once per hash in the blob store, and snapshot entries
// are relative symlinks into it.
type SymlinkBacked struct {
	fs        afero.Fs
	symlinker afero.Linker
	store     *Store
}

// NewSymlinkBacked creates a SymlinkBacked over store. fs must support
// symlinks; callers establish that with ProbeSymlinks first.
func NewSymlinkBacked(fs afero.Fs, store *Store) (*SymlinkBacked, error) {
	symlinker, ok := fs.(afero.Linker)
	if !ok {
		return nil, fmt.Errorf("filesystem %s does not support symlinks", fs.Name())
	}
	return &SymlinkBacked{fs: fs, symlinker: symlinker, store: store}, nil
}

// Put implements FileStore.
func (s *SymlinkBacked) Put(hash string, content io.Reader, entryPath string) (string, error) {
	blobPath, err := s.store.Store(hash, content)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(filepath.Dir(entryPath), blobPath)
	if err != nil {
		return "", fmt.Errorf("computing relative blob path: %w", err)
	}
	if err := s.fs.Remove(entryPath); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("replacing snapshot entry %s: %w", entryPath, err)
	}
	if err := s.symlinker.SymlinkIfPossible(rel, entryPath); err != nil {
		return "", fmt.Errorf("linking %s -> %s: %w", entryPath, rel, err)
	}
	return blobPath, nil
}

// CopyBacked is the degraded-mode FileStore: content is written directly
// into the snapshot entry, so identical content is duplicated across
// revisions instead of shared.
type CopyBacked struct {
	fs afero.Fs
}

// NewCopyBacked creates a CopyBacked FileStore.
func NewCopyBacked(fs afero.Fs) *CopyBacked {
	return &CopyBacked{fs: fs}
}

// Put implements FileStore. The write goes through a uniquely named
// temporary file and a rename, so readers never observe partial content.
func (c *CopyBacked) Put(hash string, content io.Reader, entryPath string) (string, error) {
	tmp := entryPath + "." + uuid.NewString() + ".incomplete"
	f, err := c.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating temporary snapshot file: %w", err)
	}
	_, err = io.Copy(f, content)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		c.fs.Remove(tmp)
		return "", fmt.Errorf("writing snapshot entry %s: %w", entryPath, err)
	}
	if err := c.fs.Rename(tmp, entryPath); err != nil {
		c.fs.Remove(tmp)
		return "", fmt.Errorf("committing snapshot entry %s: %w", entryPath, err)
	}
	return entryPath, nil
}
