package lineagecache

import (
	"errors"
	"fmt"
)

// Sentinel errors used for classification with errors.Is.
var (
	// ErrLoad classifies dataset load failures (missing, unreadable or corrupt files).
	ErrLoad = errors.New("dataset load failed")

	// ErrParse classifies tree parse failures (index out of range, malformed tree data).
	ErrParse = errors.New("tree parse failed")

	// ErrNotFound classifies lookups of node ids outside a graph.
	ErrNotFound = errors.New("node not found")

	// ErrTransient classifies retryable remote failures (timeouts, unavailable upstream).
	ErrTransient = errors.New("transient fetch failure")

	// ErrPermanent classifies remote failures that will not succeed on retry.
	ErrPermanent = errors.New("permanent fetch failure")

	// ErrLockTimeout is returned when a keyed lock could not be acquired in time.
	ErrLockTimeout = errors.New("lock acquisition timed out")
)

// LoadError reports a dataset that could not be loaded.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading dataset %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *LoadError) Unwrap() error { return e.Err }

// Is reports ErrLoad so callers can classify without errors.As.
func (e *LoadError) Is(target error) bool { return target == ErrLoad }

// ParseError reports a tree that could not be materialised from a dataset.
type ParseError struct {
	Path  string
	Index int
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing tree %d of %s: %v", e.Index, e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ParseError) Unwrap() error { return e.Err }

// Is reports ErrParse.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// NotFoundError reports a node id outside the valid range of a graph.
type NotFoundError struct {
	Node int
	Size int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("node %d not found (graph has %d nodes)", e.Node, e.Size)
}

// Is reports ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransientFetchError reports a remote operation that failed after its
// bounded attempts but may succeed if retried later.
type TransientFetchError struct {
	Op  string
	Key string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TransientFetchError) Unwrap() error { return e.Err }

// Is reports ErrTransient.
func (e *TransientFetchError) Is(target error) bool { return target == ErrTransient }

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
