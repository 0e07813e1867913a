package snapshot

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// NoExist is the negative cache of a repository: empty marker files
// recording that an optional file is confirmed absent at a revision, so
// callers can skip a remote existence probe. Markers carry no content and
// are only ever removed as part of a full revision deletion.
type NoExist struct {
	fs  afero.Fs
	dir string
}

// NewNoExist creates a NoExist over the given .no_exist directory.
func NewNoExist(fs afero.Fs, dir string) *NoExist {
	return &NoExist{fs: fs, dir: dir}
}

func (n *NoExist) markerPath(commit, fileName string) string {
	return filepath.Join(n.dir, commit, filepath.FromSlash(fileName))
}

// MarkAbsent records that fileName does not exist at commit.
func (n *NoExist) MarkAbsent(commit, fileName string) error {
	path := n.markerPath(commit, fileName)
	if err := n.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating no-exist directory: %w", err)
	}
	if err := afero.WriteFile(n.fs, path, nil, 0o644); err != nil {
		return fmt.Errorf("writing no-exist marker for %s at %s: %w", fileName, commit, err)
	}
	return nil
}

// KnownAbsent reports whether fileName was recorded absent at commit.
func (n *NoExist) KnownAbsent(commit, fileName string) (bool, error) {
	_, err := n.fs.Stat(n.markerPath(commit, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("statting no-exist marker: %w", err)
	}
	return true, nil
}
