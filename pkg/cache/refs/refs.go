// Package refs implements the reference tracker: a durable mapping from
// ref names (branches, tags, PR refs) to commit hashes, stored as one plain
// text file per ref under a repository's refs directory.
package refs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/afero"
)

var log = logging.Logger("cache/refs")

// Tracker reads and writes the ref files of a single repository. A ref holds
// exactly one commit hash at a time; several refs may hold the same hash.
type Tracker struct {
	fs  afero.Fs
	dir string
}

// New creates a Tracker over the given refs directory.
func New(fs afero.Fs, dir string) *Tracker {
	return &Tracker{fs: fs, dir: dir}
}

// Path returns the file path backing the given ref name. Ref names may
// contain slashes (e.g. "refs/pr/1").
func (t *Tracker) Path(ref string) string {
	return filepath.Join(t.dir, filepath.FromSlash(ref))
}

// Update points ref at commit, replacing any previous value. The write goes
// to a temporary file which is renamed into place, so a concurrent reader
// never observes a half-written ref.
func (t *Tracker) Update(ref, commit string) error {
	path := t.Path(ref)
	if err := t.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating refs directory: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	if err := afero.WriteFile(t.fs, tmp, []byte(commit), 0o644); err != nil {
		return fmt.Errorf("writing ref %s: %w", ref, err)
	}
	if err := t.fs.Rename(tmp, path); err != nil {
		t.fs.Remove(tmp)
		return fmt.Errorf("committing ref %s: %w", ref, err)
	}
	log.Debugf("ref %s -> %s", ref, commit)
	return nil
}

// All returns every ref of the repository mapped to its commit hash. File
// contents are returned trimmed but otherwise unvalidated; it is the
// caller's job to decide what a malformed value means. A missing refs
// directory yields an empty map.
func (t *Tracker) All() (map[string]string, error) {
	out := map[string]string{}
	err := afero.Walk(t.fs, t.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasPrefix(filepath.Base(path), ".") {
			// Leftover temp file from an interrupted Update; not a ref.
			return nil
		}
		content, err := afero.ReadFile(t.fs, path)
		if err != nil {
			return fmt.Errorf("reading ref file %s: %w", path, err)
		}
		rel, err := filepath.Rel(t.dir, path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = strings.TrimSpace(string(content))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking refs directory: %w", err)
	}
	return out, nil
}

// Delete removes a ref. Deleting a ref that does not exist is not an error.
func (t *Tracker) Delete(ref string) error {
	if err := t.fs.Remove(t.Path(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting ref %s: %w", ref, err)
	}
	return nil
}
