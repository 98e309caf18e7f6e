// Package backend provides the local storage the accelerator keeps remote
// artifacts in.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Stat returns the entry for key, or ErrNotFound.
	Stat(ctx context.Context, key string) (Entry, error)

	// Scan returns every entry under prefix. The prefix uses "/" as the
	// path separator.
	Scan(ctx context.Context, prefix string) ([]Entry, error)
}

// Entry describes a stored object. ModTime is the time the object was
// written and does not change on reads.
type Entry struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// LocalBackend is a Backend whose objects are plain files that callers may
// open directly by path.
type LocalBackend interface {
	Backend

	// Path returns the local file path for key, whether or not it exists.
	Path(key string) string

	// Import moves the file at src into place as key. src must be on the
	// same filesystem as the backend root.
	Import(ctx context.Context, key, src string) error

	// TempDir returns a directory on the backend's filesystem for staging
	// files passed to Import.
	TempDir() string
}
