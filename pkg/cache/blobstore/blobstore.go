// Package blobstore implements the content-addressed blob storage of a
// cached repository. Blobs are immutable files named by their content hash;
// association to human-readable file names is the snapshot tree's job.
package blobstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/afero"
)

var log = logging.Logger("cache/blobstore")

// ErrNotFound is returned by Resolve when no blob exists for a hash.
var ErrNotFound = errors.New("blob not found")

// Store is the content-addressed blob store of a single repository. Writes
// are idempotent: storing a hash that already exists is a no-op, which makes
// concurrent writers of the same content harmless without locking.
type Store struct {
	fs  afero.Fs
	dir string
}

// New creates a Store over the given blobs directory. The directory is
// created lazily on first write.
func New(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

// Path returns where the blob for hash lives, whether or not it exists yet.
func (s *Store) Path(hash string) string {
	return filepath.Join(s.dir, hash)
}

// Store writes the blob for hash from r, unless it already exists. It
// returns the blob path. Content is written to a uniquely named temporary
// file and renamed into place so readers never observe a partial blob.
func (s *Store) Store(hash string, r io.Reader) (string, error) {
	path := s.Path(hash)
	if _, err := s.fs.Stat(path); err == nil {
		log.Debugf("blob %s already stored, skipping write", hash)
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("statting blob %s: %w", hash, err)
	}

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating blobs directory: %w", err)
	}

	tmp := path + "." + uuid.NewString() + ".incomplete"
	f, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating temporary blob file: %w", err)
	}

	_, err = io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		s.fs.Remove(tmp)
		return "", fmt.Errorf("writing blob %s: %w", hash, err)
	}

	if err := s.fs.Rename(tmp, path); err != nil {
		s.fs.Remove(tmp)
		return "", fmt.Errorf("committing blob %s: %w", hash, err)
	}
	return path, nil
}

// Resolve returns the path of the blob for hash, or ErrNotFound.
func (s *Store) Resolve(hash string) (string, error) {
	path := s.Path(hash)
	if _, err := s.fs.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("statting blob %s: %w", hash, err)
	}
	return path, nil
}
