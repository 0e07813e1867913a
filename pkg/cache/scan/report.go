package scan

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/modelhub/hubcache/pkg/cache/layout"
)

// Report is the result of scanning a cache root: every cached repository,
// revision and file found on disk, plus non-fatal corruption warnings
// encountered along the way. A report is a point-in-time aggregate; treat it
// as read-only and re-scan rather than mutate.
type Report struct {
	Repos    []RepoInfo `json:"repos"`
	Warnings []error    `json:"-"`
}

// SizeOnDisk returns the total number of bytes used by the cache. Blobs
// shared between revisions of a repository are counted once.
func (r *Report) SizeOnDisk() int64 {
	var total int64
	for _, repo := range r.Repos {
		total += repo.SizeOnDisk
	}
	return total
}

// SizeOnDiskStr returns SizeOnDisk as a human-readable string.
func (r *Report) SizeOnDiskStr() string {
	return humanize.Bytes(uint64(r.SizeOnDisk()))
}

// WarningStrings returns the corruption warnings rendered as strings, for
// output formats that cannot carry error values.
func (r *Report) WarningStrings() []string {
	out := make([]string, len(r.Warnings))
	for i, warning := range r.Warnings {
		out[i] = warning.Error()
	}
	return out
}

// FindRevision locates a revision by commit hash anywhere in the cache.
// Commit hashes are globally unique, so at most one revision can match.
func (r *Report) FindRevision(commitHash string) (RepoInfo, RevisionInfo, bool) {
	for _, repo := range r.Repos {
		for _, rev := range repo.Revisions {
			if rev.CommitHash == commitHash {
				return repo, rev, true
			}
		}
	}
	return RepoInfo{}, RevisionInfo{}, false
}

// RepoInfo describes one cached repository.
type RepoInfo struct {
	Repo         layout.Repo    `json:"repo"`
	Path         string         `json:"path"`
	SizeOnDisk   int64          `json:"size_on_disk"`
	Revisions    []RevisionInfo `json:"revisions"`
	LastAccessed time.Time      `json:"last_accessed"`
	LastModified time.Time      `json:"last_modified"`
}

// SizeOnDiskStr returns SizeOnDisk as a human-readable string.
func (r RepoInfo) SizeOnDiskStr() string {
	return humanize.Bytes(uint64(r.SizeOnDisk))
}

// FileCount returns the number of files across all revisions.
func (r RepoInfo) FileCount() int {
	var n int
	for _, rev := range r.Revisions {
		n += len(rev.Files)
	}
	return n
}

// RevisionInfo describes one immutable snapshot of a repository at a commit.
// A revision with no refs is "detached": valid, just not pointed at by any
// branch or tag.
type RevisionInfo struct {
	CommitHash   string     `json:"commit_hash"`
	Path         string     `json:"path"`
	SizeOnDisk   int64      `json:"size_on_disk"`
	Files        []FileInfo `json:"files"`
	Refs         []string   `json:"refs"`
	LastModified time.Time  `json:"last_modified"`
}

// ShortHash returns an abbreviated commit hash for display.
func (r RevisionInfo) ShortHash() string {
	if len(r.CommitHash) > 8 {
		return r.CommitHash[:8]
	}
	return r.CommitHash
}

// SizeOnDiskStr returns SizeOnDisk as a human-readable string.
func (r RevisionInfo) SizeOnDiskStr() string {
	return humanize.Bytes(uint64(r.SizeOnDisk))
}

// FileInfo describes one named file within a revision's snapshot.
type FileInfo struct {
	Name string `json:"name"`
	// Path is the snapshot entry (a symlink, or the real file in degraded
	// mode). BlobPath is the physical content location; in degraded mode the
	// two coincide.
	Path             string    `json:"path"`
	BlobPath         string    `json:"blob_path"`
	SizeOnDisk       int64     `json:"size_on_disk"`
	BlobLastAccessed time.Time `json:"blob_last_accessed"`
	BlobLastModified time.Time `json:"blob_last_modified"`
}

// CorruptedCacheError records a corruption condition found during a scan: a
// directory that does not follow the naming convention, a ref pointing at a
// missing revision, a dangling snapshot link. It never aborts the scan.
type CorruptedCacheError struct {
	Path string
	Err  error
}

func (e *CorruptedCacheError) Error() string {
	return fmt.Sprintf("corrupted cache entry at %s: %s", e.Path, e.Err)
}

func (e *CorruptedCacheError) Unwrap() error {
	return e.Err
}
