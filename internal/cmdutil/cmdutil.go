// Package cmdutil provides utility functions specifically for the hubcache CLI.
package cmdutil

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/modelhub/hubcache/pkg/cache"
	"github.com/modelhub/hubcache/pkg/cache/deletion"
	"github.com/modelhub/hubcache/pkg/cache/layout"
)

// ResolveCacheDir returns the cache root to operate on: the explicit flag
// value if given, the HUBCACHE_DIR environment variable if set, and the
// default of ~/.cache/hubcache otherwise.
func ResolveCacheDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if dir := os.Getenv("HUBCACHE_DIR"); dir != "" {
		return dir
	}
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("obtaining user home directory: %s", err)
	}
	return filepath.Join(homedir, ".cache", "hubcache")
}

// MustOpenCache creates a Cache over dir, exiting on failure.
func MustOpenCache(dir string) *cache.Cache {
	c, err := cache.New(dir)
	if err != nil {
		log.Fatalf("opening cache at %s: %s", dir, err)
	}
	return c
}

// ParseTarget parses a CLI deletion target: either a full commit hash
// (which is globally unique in the cache) or a repo spec of the form
// "type/owner/name" or "type/name", e.g. "model/bigscience/bloom".
func ParseTarget(s string) (deletion.Target, error) {
	if layout.IsCommitHash(s) {
		return deletion.Revision(s), nil
	}
	typ, id, ok := strings.Cut(s, "/")
	if !ok {
		return deletion.Target{}, fmt.Errorf("target %q is neither a commit hash nor a type/name repo spec", s)
	}
	repoType, err := layout.ParseRepoType(typ)
	if err != nil {
		return deletion.Target{}, fmt.Errorf("target %q: %w", s, err)
	}
	repo := layout.Repo{ID: id, Type: repoType}
	if err := repo.Validate(); err != nil {
		return deletion.Target{}, fmt.Errorf("target %q: %w", s, err)
	}
	return deletion.WholeRepo(repo), nil
}
