package cache

import "github.com/spf13/afero"

// Option is an option configuring a Cache.
type Option func(c *Cache) error

// WithFilesystem configures the filesystem the cache operates on. If one is
// not provided, the operating system filesystem is used. Tests typically
// pass an in-memory filesystem here.
func WithFilesystem(fs afero.Fs) Option {
	return func(c *Cache) error {
		c.fs = fs
		return nil
	}
}

// WithSymlinksDisabled forces degraded mode even when the filesystem
// supports symlinks: content is duplicated per revision instead of shared
// through the blob store.
func WithSymlinksDisabled() Option {
	return func(c *Cache) error {
		c.disableSymlinks = true
		return nil
	}
}

// WithoutDegradedWarning suppresses the one-time warning logged when the
// filesystem turns out not to support symlinks.
func WithoutDegradedWarning() Option {
	return func(c *Cache) error {
		c.quietDegraded = true
		return nil
	}
}
