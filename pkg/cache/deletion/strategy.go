// Package deletion computes and applies cache deletion strategies. Planning
// is a pure function over a scan report producing an immutable Strategy;
// execution applies it best-effort, tolerating paths that have gone missing
// since the plan was computed.
package deletion

import (
	"path/filepath"
	"sort"

	humanize "github.com/dustin/go-humanize"
	logging "github.com/ipfs/go-log/v2"

	"github.com/modelhub/hubcache/pkg/cache/layout"
	"github.com/modelhub/hubcache/pkg/cache/scan"
)

var log = logging.Logger("cache/deletion")

// Target identifies what to delete: a single revision by commit hash
// (globally unique, so no repo qualifier is needed) or every revision of a
// repository.
type Target struct {
	commit string
	repo   layout.Repo
	isRepo bool
}

// Revision targets the revision with the given commit hash.
func Revision(commitHash string) Target {
	return Target{commit: commitHash}
}

// WholeRepo targets every revision of a repository.
func WholeRepo(repo layout.Repo) Target {
	return Target{repo: repo, isRepo: true}
}

func (t Target) String() string {
	if t.isRepo {
		return t.repo.String()
	}
	return t.commit
}

// Strategy is an immutable deletion plan: which snapshot directories, blobs,
// refs and whole repo directories to remove, and how many bytes that is
// expected to free. Derive a fresh Strategy after any execution error
// instead of patching an old one.
type Strategy struct {
	repos         []repoDeletion
	expectedFreed int64
}

// repoDeletion is the slice of a Strategy scoped to one repository. Blob
// deletion for a repo happens under that repo's advisory lock.
type repoDeletion struct {
	dirName   string
	repoPath  string
	wholeRepo bool
	snapshots []string
	blobs     map[string]int64
	refs      []string
	noExist   []string
	freed     int64
}

// ExpectedFreedSize returns the number of bytes the plan expects to free.
func (s *Strategy) ExpectedFreedSize() int64 {
	return s.expectedFreed
}

// ExpectedFreedSizeStr returns ExpectedFreedSize as a human-readable string.
func (s *Strategy) ExpectedFreedSizeStr() string {
	return humanize.Bytes(uint64(s.expectedFreed))
}

// Snapshots returns the snapshot directories marked for deletion.
func (s *Strategy) Snapshots() []string {
	var out []string
	for _, r := range s.repos {
		out = append(out, r.snapshots...)
	}
	sort.Strings(out)
	return out
}

// Blobs returns the blob paths marked for deletion.
func (s *Strategy) Blobs() []string {
	var out []string
	for _, r := range s.repos {
		for path := range r.blobs {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// Refs returns the ref files marked for deletion.
func (s *Strategy) Refs() []string {
	var out []string
	for _, r := range s.repos {
		out = append(out, r.refs...)
	}
	sort.Strings(out)
	return out
}

// NoExistDirs returns the per-revision negative-cache directories marked for
// deletion.
func (s *Strategy) NoExistDirs() []string {
	var out []string
	for _, r := range s.repos {
		out = append(out, r.noExist...)
	}
	sort.Strings(out)
	return out
}

// Repos returns the repository directories marked for whole-repo deletion.
func (s *Strategy) Repos() []string {
	var out []string
	for _, r := range s.repos {
		if r.wholeRepo {
			out = append(out, r.repoPath)
		}
	}
	sort.Strings(out)
	return out
}

// IsEmpty reports whether the plan deletes nothing.
func (s *Strategy) IsEmpty() bool {
	return len(s.repos) == 0
}

// Plan resolves targets against a scan report and computes the deletion
// strategy. Targets that match nothing in the report are logged and ignored:
// deleting something already absent is not an error. A blob is marked for
// deletion only when no retained revision of the same repository still
// references it.
func Plan(report *scan.Report, targets []Target) *Strategy {
	// Resolve each target to commit hashes grouped by repo directory.
	targeted := map[string]map[string]bool{}
	repoByDir := map[string]scan.RepoInfo{}
	for _, repo := range report.Repos {
		repoByDir[repo.Repo.DirName()] = repo
	}

	mark := func(repo scan.RepoInfo, commit string) {
		dir := repo.Repo.DirName()
		if targeted[dir] == nil {
			targeted[dir] = map[string]bool{}
			repoByDir[dir] = repo
		}
		targeted[dir][commit] = true
	}

	for _, target := range targets {
		if target.isRepo {
			repo, ok := repoByDir[target.repo.DirName()]
			if !ok {
				log.Debugf("ignoring unknown repo target %s", target)
				continue
			}
			for _, rev := range repo.Revisions {
				mark(repo, rev.CommitHash)
			}
			continue
		}
		repo, _, ok := report.FindRevision(target.commit)
		if !ok {
			log.Debugf("ignoring unknown revision target %s", target)
			continue
		}
		mark(repo, target.commit)
	}

	strategy := &Strategy{}
	for dir, commits := range targeted {
		repo := repoByDir[dir]
		rd := planRepo(repo, commits)
		strategy.repos = append(strategy.repos, rd)
		strategy.expectedFreed += rd.freed
	}
	sort.Slice(strategy.repos, func(i, j int) bool {
		return strategy.repos[i].dirName < strategy.repos[j].dirName
	})
	return strategy
}

// planRepo computes the deletion slice for one repository given the set of
// targeted commit hashes.
func planRepo(repo scan.RepoInfo, commits map[string]bool) repoDeletion {
	rd := repoDeletion{
		dirName:  repo.Repo.DirName(),
		repoPath: repo.Path,
		blobs:    map[string]int64{},
	}

	var retained []scan.RevisionInfo
	var doomed []scan.RevisionInfo
	for _, rev := range repo.Revisions {
		if commits[rev.CommitHash] {
			doomed = append(doomed, rev)
		} else {
			retained = append(retained, rev)
		}
	}

	if len(retained) == 0 {
		// Nothing survives: remove the whole repo directory instead of the
		// finer-grained lists.
		rd.wholeRepo = true
		rd.freed = repo.SizeOnDisk
		return rd
	}

	stillReferenced := map[string]bool{}
	for _, rev := range retained {
		for _, f := range rev.Files {
			stillReferenced[f.BlobPath] = true
		}
	}

	refsDir := filepath.Join(repo.Path, layout.RefsDir)
	noExistDir := filepath.Join(repo.Path, layout.NoExistDir)
	for _, rev := range doomed {
		rd.snapshots = append(rd.snapshots, rev.Path)
		// Negative-cache markers are scoped to a revision and go with it.
		rd.noExist = append(rd.noExist, filepath.Join(noExistDir, rev.CommitHash))
		for _, ref := range rev.Refs {
			rd.refs = append(rd.refs, filepath.Join(refsDir, filepath.FromSlash(ref)))
		}
		for _, f := range rev.Files {
			if stillReferenced[f.BlobPath] {
				continue
			}
			rd.blobs[f.BlobPath] = f.SizeOnDisk
		}
	}
	sort.Strings(rd.snapshots)
	sort.Strings(rd.refs)
	sort.Strings(rd.noExist)
	for _, size := range rd.blobs {
		rd.freed += size
	}
	return rd
}
