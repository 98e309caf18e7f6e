// Package accel keeps local copies of remote dataset objects so that repeat
// loads read from disk instead of object storage.
//
// Artifacts live in a byte-bounded local backend. Fetches for the same object
// are coalesced within a process by a download.Group and across processes
// sharing the cache directory by a lock.Locker; after taking the lock the
// backend is checked again so that a waiter reuses the winner's artifact
// rather than downloading it a second time.
package accel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	lineagecache "github.com/wolfeidau/lineage-cache"
	"github.com/wolfeidau/lineage-cache/backend"
	"github.com/wolfeidau/lineage-cache/download"
	"github.com/wolfeidau/lineage-cache/lock"
	"github.com/wolfeidau/lineage-cache/remote"
	"github.com/wolfeidau/lineage-cache/telemetry"
)

const (
	// DefaultFetchTimeout bounds one shared fetch, including lock wait and retries.
	DefaultFetchTimeout = 5 * time.Minute

	// DefaultMaxAttempts is the number of download attempts for transient failures.
	DefaultMaxAttempts = 3

	// DefaultRetryInitial is the first delay between download attempts.
	DefaultRetryInitial = 250 * time.Millisecond
)

// Config configures an Accelerator.
type Config struct {
	// Backend stores artifacts. Required.
	Backend backend.LocalBackend

	// Client downloads remote objects. Required.
	Client remote.Client

	// Locker coordinates fetches with other processes sharing Backend.
	// Nil means fetches are only coalesced within this process.
	Locker lock.Locker

	// MaxBytes is the total artifact size ceiling. Zero means unbounded.
	MaxBytes int64

	// FetchTimeout bounds a shared fetch (default: 5m). When it passes the
	// in-flight claim is released so a later call can try again.
	FetchTimeout time.Duration

	// MaxAttempts bounds download attempts for transient errors (default: 3).
	MaxAttempts uint

	// RetryInitial is the first retry delay (default: 250ms).
	RetryInitial time.Duration

	// Logger for accelerator events.
	Logger *slog.Logger
}

// Accelerator is a local byte-bounded store of remote artifacts.
type Accelerator struct {
	backend      backend.LocalBackend
	client       remote.Client
	locker       lock.Locker
	maxBytes     int64
	maxAttempts  uint
	retryInitial time.Duration
	logger       *slog.Logger
	now          func() time.Time

	fetches *download.Group[string]

	mu    sync.Mutex
	index *simplelru.LRU[string, int64] // storage key -> size, oldest first
	bytes int64
}

// New creates an Accelerator and rebuilds its index from the artifacts
// already in the backend, oldest modification time first. If the existing
// artifacts exceed MaxBytes the oldest are evicted.
func New(ctx context.Context, cfg Config) (*Accelerator, error) {
	if cfg.Backend == nil {
		return nil, errors.New("accel: backend is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("accel: client is required")
	}
	if cfg.MaxBytes < 0 {
		return nil, fmt.Errorf("accel: invalid max bytes %d", cfg.MaxBytes)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultRetryInitial
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	index, err := simplelru.NewLRU[string, int64](math.MaxInt, nil)
	if err != nil {
		return nil, err
	}

	a := &Accelerator{
		backend:      cfg.Backend,
		client:       cfg.Client,
		locker:       cfg.Locker,
		maxBytes:     cfg.MaxBytes,
		maxAttempts:  cfg.MaxAttempts,
		retryInitial: cfg.RetryInitial,
		logger:       cfg.Logger,
		now:          time.Now,
		index:        index,
		fetches: download.New[string](
			download.WithLogger(cfg.Logger),
			download.WithTimeout(cfg.FetchTimeout),
		),
	}

	if err := a.rebuild(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// rebuild loads the index from the backend.
func (a *Accelerator) rebuild(ctx context.Context) error {
	entries, err := a.backend.Scan(ctx, lineagecache.ArtifactPrefix())
	if err != nil {
		return fmt.Errorf("scanning artifacts: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ModTime.Before(entries[j].ModTime)
	})

	a.mu.Lock()
	defer a.mu.Unlock()

	skipped := 0
	for _, e := range entries {
		if _, err := lineagecache.ParseArtifactKey(e.Key); err != nil {
			a.logger.Debug("ignoring stray file in artifact dir", "key", e.Key, "error", err)
			skipped++
			continue
		}
		a.index.Add(e.Key, e.Size)
		a.bytes += e.Size
	}
	evicted := a.evictLocked(ctx, "")

	a.logger.Info("accelerator index rebuilt",
		"artifacts", a.index.Len(),
		"bytes", a.bytes,
		"evicted", evicted,
		"skipped", skipped,
	)
	telemetry.UpdateAccelUsage(ctx, a.bytes, a.index.Len())
	return nil
}

// FetchWithCache returns a local path holding the object named by remoteKey
// ("bucket/object"), downloading it if no local copy exists.
func (a *Accelerator) FetchWithCache(ctx context.Context, remoteKey string) (string, error) {
	if _, _, err := remote.SplitKey(remoteKey); err != nil {
		return "", err
	}
	key := lineagecache.ArtifactKey(remoteKey)

	if path, ok := a.lookup(ctx, key); ok {
		telemetry.RecordCacheLookup(ctx, telemetry.CacheAccel, telemetry.CacheHit)
		telemetry.RecordAccelFetch(ctx, "hit", 0)
		return path, nil
	}
	telemetry.RecordCacheLookup(ctx, telemetry.CacheAccel, telemetry.CacheMiss)

	path, shared, err := a.fetches.Do(ctx, key, func(ctx context.Context) (string, error) {
		return a.fetch(ctx, remoteKey, key)
	})
	if err != nil {
		a.fetches.ForgetOnError(key, err)
		telemetry.RecordAccelFetch(ctx, "error", 0)
		return "", err
	}
	if shared {
		telemetry.RecordAccelFetch(ctx, "shared", 0)
	}
	return path, nil
}

// lookup returns the local path for key if the artifact is present, marking
// it as recently used in the index. The artifact file itself is never
// modified, so its mtime stays the download time and callers may use it as
// a version token. An artifact removed from disk behind the index's back is
// dropped from the index.
func (a *Accelerator) lookup(ctx context.Context, key string) (string, bool) {
	a.mu.Lock()
	_, indexed := a.index.Get(key)
	a.mu.Unlock()

	e, err := a.backend.Stat(ctx, key)
	if err != nil {
		if indexed {
			if !errors.Is(err, backend.ErrNotFound) {
				a.logger.Debug("checking artifact failed", "key", key, "error", err)
			}
			a.forget(ctx, key)
		}
		return "", false
	}
	if !indexed {
		// Another process may have fetched it.
		a.insert(ctx, key, e.Size)
	}
	return a.backend.Path(key), true
}

// fetch runs once per key at a time within the process.
func (a *Accelerator) fetch(ctx context.Context, remoteKey, key string) (string, error) {
	if a.locker != nil {
		guard, err := a.locker.Acquire(ctx, key)
		if err != nil {
			return "", err
		}
		defer func() {
			if err := guard.Release(); err != nil {
				a.logger.Warn("releasing artifact lock failed", "remote_key", remoteKey, "error", err)
			}
		}()

		if e, err := a.backend.Stat(ctx, key); err == nil {
			a.logger.Debug("artifact fetched by another process", "remote_key", remoteKey)
			a.insert(ctx, key, e.Size)
			return a.backend.Path(key), nil
		}
	}

	start := a.now()
	spooled, err := a.downloadWithRetry(ctx, remoteKey)
	if err != nil {
		return "", err
	}

	if err := a.backend.Import(ctx, key, spooled.Path); err != nil {
		_ = os.Remove(spooled.Path)
		return "", fmt.Errorf("storing artifact %s: %w", remoteKey, err)
	}
	a.insert(ctx, key, spooled.Size)

	telemetry.RecordAccelFetch(ctx, "download", spooled.Size)
	a.logger.Info("artifact downloaded",
		"remote_key", remoteKey,
		"size", spooled.Size,
		"hash", spooled.Hash.ShortString(),
		"duration", a.now().Sub(start),
	)
	return a.backend.Path(key), nil
}

// downloadWithRetry spools the remote object into the backend's staging
// directory, retrying transient failures with exponential backoff.
func (a *Accelerator) downloadWithRetry(ctx context.Context, remoteKey string) (*download.SpoolResult, error) {
	attempt := func() (*download.SpoolResult, error) {
		rc, err := a.client.Download(ctx, remoteKey)
		if err != nil {
			if lineagecache.IsRetryable(err) {
				a.logger.Debug("download attempt failed", "remote_key", remoteKey, "error", err)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		defer func() { _ = rc.Close() }()

		res, err := download.Spool(rc, a.backend.TempDir(), 0)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			// The body broke off mid-stream.
			return nil, &lineagecache.TransientFetchError{Op: "download", Key: remoteKey, Err: err}
		}
		return res, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.retryInitial

	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(a.maxAttempts),
	)
}

// insert records key as the most recently used artifact and evicts the
// oldest artifacts while the total is over the ceiling. key itself is never
// evicted.
func (a *Accelerator) insert(ctx context.Context, key string, size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.index.Peek(key); ok {
		a.bytes -= old
	}
	a.index.Add(key, size)
	a.bytes += size
	a.evictLocked(ctx, key)
	telemetry.UpdateAccelUsage(ctx, a.bytes, a.index.Len())
}

// evictLocked removes the oldest artifacts until the total fits under
// maxBytes or only keep remains. Files are deleted under the lock so a
// concurrent re-fetch of the same key cannot be deleted by mistake.
func (a *Accelerator) evictLocked(ctx context.Context, keep string) int {
	if a.maxBytes == 0 {
		return 0
	}
	evicted := 0
	for a.bytes > a.maxBytes && a.index.Len() > 0 {
		k, size, _ := a.index.GetOldest()
		if k == keep {
			break
		}
		a.index.RemoveOldest()
		a.bytes -= size
		if err := a.backend.Delete(ctx, k); err != nil {
			a.logger.Warn("deleting evicted artifact failed", "key", k, "error", err)
		}
		evicted++
		a.logger.Debug("evicted artifact", "key", k, "size", size)
	}
	telemetry.RecordEviction(ctx, telemetry.CacheAccel, telemetry.EvictBytes, evicted)
	return evicted
}

// forget drops key from the index without touching the backend.
func (a *Accelerator) forget(ctx context.Context, key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if size, ok := a.index.Peek(key); ok {
		a.index.Remove(key)
		a.bytes -= size
	}
	telemetry.UpdateAccelUsage(ctx, a.bytes, a.index.Len())
}

// Remove deletes the local copy of remoteKey, if any.
func (a *Accelerator) Remove(ctx context.Context, remoteKey string) error {
	key := lineagecache.ArtifactKey(remoteKey)
	a.mu.Lock()
	defer a.mu.Unlock()
	if size, ok := a.index.Peek(key); ok {
		a.index.Remove(key)
		a.bytes -= size
		telemetry.RecordEviction(ctx, telemetry.CacheAccel, telemetry.EvictInvalidate, 1)
	}
	telemetry.UpdateAccelUsage(ctx, a.bytes, a.index.Len())
	return a.backend.Delete(ctx, key)
}

// Contains reports whether remoteKey has a local copy in the index.
func (a *Accelerator) Contains(remoteKey string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index.Contains(lineagecache.ArtifactKey(remoteKey))
}

// Usage returns the indexed artifact bytes and count.
func (a *Accelerator) Usage() (bytes int64, entries int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytes, a.index.Len()
}

// Keys returns the indexed storage keys, oldest first.
func (a *Accelerator) Keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index.Keys()
}
