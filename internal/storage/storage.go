// Package storage abstracts the filesystem the mirror is written to,
// so that the rest of the pipeline never calls os.* directly.
package storage

import (
	"context"
	"io"
	"time"
)

// RewriteSink is an atomic-on-close write destination: nothing written to
// it is visible at its final path until Close succeeds.
type RewriteSink interface {
	io.Writer
	Close() error
	// Discard abandons the write: the temp file is removed and nothing is
	// ever renamed onto the final path. Used when a stream fails partway
	// through (e.g. a checksum mismatch) and must not be committed.
	Discard() error
}

// Storage is the path/atomic-write/hash/lock abstraction every other
// component is built on (C1, external per spec, with LocalBackend as the
// concrete default).
type Storage interface {
	// Path joins p onto the backend's root and returns a backend-native path.
	Path(p string) string
	Exists(p string) bool
	IsDir(p string) bool
	// Iterdir lists the direct children of p (not recursive).
	Iterdir(p string) ([]string, error)
	Unlink(p string) error
	MkdirAll(p string) error
	OpenFile(p string) (io.ReadCloser, error)
	// Rewrite returns a sink that, on Close, atomically replaces p's
	// contents (write-to-temp, fsync, rename).
	Rewrite(ctx context.Context, p string) (RewriteSink, error)
	// GetHash returns the hex sha256 digest of the file at p.
	GetHash(p string) (string, error)
	// GetLock acquires an exclusive lock on p, returning a release func.
	// Returns ErrLockBusy if not acquired within timeout.
	GetLock(p string, timeout time.Duration) (func() error, error)
	// Symlink replaces target with a symlink pointing at source.
	Symlink(source, target string) error
}
