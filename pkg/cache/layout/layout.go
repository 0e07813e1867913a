// Package layout defines the on-disk naming conventions of the cache root:
// how repository directories are named, which subdirectories each repository
// carries, and what counts as a valid commit hash.
package layout

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// RepoType is the kind of remote repository a cache directory mirrors.
type RepoType string

const (
	RepoTypeModel   RepoType = "model"
	RepoTypeDataset RepoType = "dataset"
	RepoTypeSpace   RepoType = "space"
)

// Well-known subdirectory names inside a repository's cache directory.
const (
	RefsDir      = "refs"
	BlobsDir     = "blobs"
	SnapshotsDir = "snapshots"
	NoExistDir   = ".no_exist"

	// LocksDir lives at the cache root, not inside a repository directory.
	// It holds advisory lock files shared with the download component and is
	// skipped by the scanner.
	LocksDir = ".locks"
)

const dirSeparator = "--"

var commitHashRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// ParseRepoType parses a repo type string such as "model" or "dataset".
func ParseRepoType(s string) (RepoType, error) {
	switch RepoType(s) {
	case RepoTypeModel, RepoTypeDataset, RepoTypeSpace:
		return RepoType(s), nil
	}
	return "", fmt.Errorf("unknown repo type %q", s)
}

// IsCommitHash reports whether s is syntactically a full commit hash. Commit
// hashes are globally unique across the cache, which is what lets deletion
// targets omit the repo qualifier.
func IsCommitHash(s string) bool {
	return commitHashRe.MatchString(s)
}

// Repo identifies a remote repository: an ID of the form "owner/name" (or
// just "name" for repositories without a namespace) plus its type.
type Repo struct {
	ID   string   `json:"id"`
	Type RepoType `json:"type"`
}

// DirName returns the cache directory name for the repository, e.g.
// "models--bigscience--bloom" for the model "bigscience/bloom".
func (r Repo) DirName() string {
	parts := append([]string{string(r.Type) + "s"}, strings.Split(r.ID, "/")...)
	return strings.Join(parts, dirSeparator)
}

// String implements fmt.Stringer.
func (r Repo) String() string {
	return string(r.Type) + "/" + r.ID
}

// Validate checks that the repo has a well-formed ID and a known type.
func (r Repo) Validate() error {
	if _, err := ParseRepoType(string(r.Type)); err != nil {
		return err
	}
	if r.ID == "" {
		return fmt.Errorf("repo ID cannot be empty")
	}
	if strings.Count(r.ID, "/") > 1 {
		return fmt.Errorf("repo ID %q has too many path segments", r.ID)
	}
	for _, part := range strings.Split(r.ID, "/") {
		if part == "" {
			return fmt.Errorf("repo ID %q has an empty segment", r.ID)
		}
		if strings.Contains(part, dirSeparator) {
			return fmt.Errorf("repo ID segment %q contains reserved separator %q", part, dirSeparator)
		}
	}
	return nil
}

// ParseRepoDir parses a cache directory name back into a Repo. It is the
// inverse of Repo.DirName. Directory names that do not follow the convention
// return an error; the scanner records those as warnings rather than failing.
func ParseRepoDir(name string) (Repo, error) {
	parts := strings.Split(name, dirSeparator)
	if len(parts) < 2 || len(parts) > 3 {
		return Repo{}, fmt.Errorf("repo directory %q does not match {type}s--[{owner}--]{name}", name)
	}
	typ, ok := strings.CutSuffix(parts[0], "s")
	if !ok {
		return Repo{}, fmt.Errorf("repo directory %q has no plural type prefix", name)
	}
	repoType, err := ParseRepoType(typ)
	if err != nil {
		return Repo{}, fmt.Errorf("repo directory %q: %w", name, err)
	}
	repo := Repo{ID: strings.Join(parts[1:], "/"), Type: repoType}
	if err := repo.Validate(); err != nil {
		return Repo{}, fmt.Errorf("repo directory %q: %w", name, err)
	}
	return repo, nil
}

// RepoPath returns the repository's cache directory under root.
func RepoPath(root string, repo Repo) string {
	return filepath.Join(root, repo.DirName())
}

// RefsPath returns the refs directory of a repository.
func RefsPath(root string, repo Repo) string {
	return filepath.Join(RepoPath(root, repo), RefsDir)
}

// BlobsPath returns the blobs directory of a repository.
func BlobsPath(root string, repo Repo) string {
	return filepath.Join(RepoPath(root, repo), BlobsDir)
}

// SnapshotsPath returns the snapshots directory of a repository.
func SnapshotsPath(root string, repo Repo) string {
	return filepath.Join(RepoPath(root, repo), SnapshotsDir)
}

// NoExistPath returns the negative-cache directory of a repository.
func NoExistPath(root string, repo Repo) string {
	return filepath.Join(RepoPath(root, repo), NoExistDir)
}

// LockPath returns the advisory lock file path used while deleting blobs of
// the given repository.
func LockPath(root string, repoDirName string) string {
	return filepath.Join(root, LocksDir, repoDirName, "delete.lock")
}
