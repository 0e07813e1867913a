// Package scan implements the read-only cache scanner. A scan walks the
// whole cache root and produces a Report; it never mutates anything, never
// touches the network, and treats any single corrupted entry as a warning
// rather than a reason to abort.
package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/modelhub/hubcache/pkg/cache/layout"
	"github.com/modelhub/hubcache/pkg/cache/refs"
)

var log = logging.Logger("cache/scan")

// scanConcurrency bounds how many repo directories are scanned in parallel.
const scanConcurrency = 8

// Scanner walks a cache root and builds Reports.
type Scanner struct {
	fs   afero.Fs
	root string
}

// New creates a Scanner for the given cache root.
func New(fs afero.Fs, root string) *Scanner {
	return &Scanner{fs: fs, root: root}
}

// Scan traverses the cache root and returns a Report. An empty or
// nonexistent root yields an empty, valid report. Repo directories are
// scanned concurrently; per-repo corruption is collected into
// Report.Warnings and never fails the scan.
func (s *Scanner) Scan(ctx context.Context) (*Report, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return &Report{}, nil
		}
		return nil, fmt.Errorf("reading cache root %s: %w", s.root, err)
	}

	report := &Report{}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			// Stray files and dot-directories (.locks among them) are not
			// repo directories.
			continue
		}
		entry := entry
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			repo, warnings := s.scanRepo(entry.Name())
			mu.Lock()
			defer mu.Unlock()
			report.Warnings = append(report.Warnings, warnings...)
			if repo != nil {
				report.Repos = append(report.Repos, *repo)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(report.Repos, func(i, j int) bool {
		return report.Repos[i].Repo.DirName() < report.Repos[j].Repo.DirName()
	})
	log.Debugf("scanned %d repos, %d warnings, %d bytes",
		len(report.Repos), len(report.Warnings), report.SizeOnDisk())
	return report, nil
}

// scanRepo scans a single top-level repo directory. A nil RepoInfo means the
// directory could not be interpreted as a repo at all; the reasons are in
// the returned warnings.
func (s *Scanner) scanRepo(dirName string) (*RepoInfo, []error) {
	var warnings []error
	repoPath := filepath.Join(s.root, dirName)

	repo, err := layout.ParseRepoDir(dirName)
	if err != nil {
		return nil, []error{&CorruptedCacheError{Path: repoPath, Err: err}}
	}

	// Refs first: ref name -> commit hash, dropping malformed values.
	refsByCommit := map[string][]string{}
	tracker := refs.New(s.fs, filepath.Join(repoPath, layout.RefsDir))
	allRefs, err := tracker.All()
	if err != nil {
		warnings = append(warnings, &CorruptedCacheError{Path: repoPath, Err: err})
	}
	for name, commit := range allRefs {
		if !layout.IsCommitHash(commit) {
			warnings = append(warnings, &CorruptedCacheError{
				Path: tracker.Path(name),
				Err:  fmt.Errorf("ref %s holds malformed commit hash %q", name, commit),
			})
			continue
		}
		refsByCommit[commit] = append(refsByCommit[commit], name)
	}

	snapshotsPath := filepath.Join(repoPath, layout.SnapshotsDir)
	snapEntries, err := afero.ReadDir(s.fs, snapshotsPath)
	if err != nil {
		warnings = append(warnings, &CorruptedCacheError{
			Path: repoPath,
			Err:  fmt.Errorf("snapshots directory missing or unreadable: %w", err),
		})
		return nil, warnings
	}

	info := &RepoInfo{Repo: repo, Path: repoPath}
	repoBlobs := map[string]int64{}
	seen := map[string]bool{}

	for _, entry := range snapEntries {
		name := entry.Name()
		path := filepath.Join(snapshotsPath, name)
		if !entry.IsDir() || !layout.IsCommitHash(name) {
			warnings = append(warnings, &CorruptedCacheError{
				Path: path,
				Err:  fmt.Errorf("snapshot entry %q is not a commit hash directory", name),
			})
			continue
		}
		rev, revWarnings := s.scanRevision(path, name, entry.ModTime())
		warnings = append(warnings, revWarnings...)
		refNames := append([]string{}, refsByCommit[name]...)
		sort.Strings(refNames)
		rev.Refs = refNames
		seen[name] = true

		for _, f := range rev.Files {
			repoBlobs[f.BlobPath] = f.SizeOnDisk
			if f.BlobLastAccessed.After(info.LastAccessed) {
				info.LastAccessed = f.BlobLastAccessed
			}
		}
		if rev.LastModified.After(info.LastModified) {
			info.LastModified = rev.LastModified
		}
		info.Revisions = append(info.Revisions, rev)
	}

	// A ref pointing at a commit with no snapshot is corruption; the
	// reverse (a snapshot with no ref) is just a detached revision.
	for commit, names := range refsByCommit {
		if !seen[commit] {
			warnings = append(warnings, &CorruptedCacheError{
				Path: repoPath,
				Err:  fmt.Errorf("refs %v point at missing revision %s", names, commit),
			})
		}
	}

	for _, size := range repoBlobs {
		info.SizeOnDisk += size
	}
	sort.Slice(info.Revisions, func(i, j int) bool {
		return info.Revisions[i].CommitHash < info.Revisions[j].CommitHash
	})
	return info, warnings
}

// scanRevision walks one snapshot directory, resolving each entry to its
// blob. Revision size counts each referenced blob once.
func (s *Scanner) scanRevision(path, commit string, dirModTime time.Time) (RevisionInfo, []error) {
	var warnings []error
	rev := RevisionInfo{
		CommitHash:   commit,
		Path:         path,
		Refs:         []string{},
		LastModified: dirModTime,
	}

	revBlobs := map[string]int64{}
	err := afero.Walk(s.fs, path, func(entryPath string, entryInfo os.FileInfo, err error) error {
		if err != nil {
			warnings = append(warnings, &CorruptedCacheError{Path: entryPath, Err: err})
			return nil
		}
		if entryInfo.IsDir() {
			return nil
		}
		file, err := s.resolveFile(path, entryPath, entryInfo)
		if err != nil {
			warnings = append(warnings, &CorruptedCacheError{Path: entryPath, Err: err})
			return nil
		}
		revBlobs[file.BlobPath] = file.SizeOnDisk
		if file.BlobLastModified.After(rev.LastModified) {
			rev.LastModified = file.BlobLastModified
		}
		rev.Files = append(rev.Files, file)
		return nil
	})
	if err != nil {
		warnings = append(warnings, &CorruptedCacheError{Path: path, Err: err})
	}

	for _, size := range revBlobs {
		rev.SizeOnDisk += size
	}
	sort.Slice(rev.Files, func(i, j int) bool { return rev.Files[i].Name < rev.Files[j].Name })
	return rev, warnings
}

// resolveFile turns one snapshot entry into a FileInfo. A symlink is
// followed to its blob and reported with the blob's metadata; a regular file
// (degraded mode) is its own blob.
func (s *Scanner) resolveFile(snapshotPath, entryPath string, entryInfo os.FileInfo) (FileInfo, error) {
	name, err := filepath.Rel(snapshotPath, entryPath)
	if err != nil {
		return FileInfo{}, err
	}
	file := FileInfo{
		Name:     filepath.ToSlash(name),
		Path:     entryPath,
		BlobPath: entryPath,
	}

	if entryInfo.Mode()&os.ModeSymlink != 0 {
		reader, ok := s.fs.(afero.LinkReader)
		if !ok {
			return FileInfo{}, fmt.Errorf("found symlink %s on a filesystem without symlink support", entryPath)
		}
		target, err := reader.ReadlinkIfPossible(entryPath)
		if err != nil {
			return FileInfo{}, fmt.Errorf("reading snapshot link: %w", err)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(entryPath), target)
		}
		file.BlobPath = filepath.Clean(target)
		entryInfo, err = s.fs.Stat(file.BlobPath)
		if err != nil {
			return FileInfo{}, fmt.Errorf("blob missing for snapshot entry: %w", err)
		}
	}

	file.SizeOnDisk = entryInfo.Size()
	file.BlobLastModified = entryInfo.ModTime()
	file.BlobLastAccessed = atime(entryInfo)
	return file, nil
}
