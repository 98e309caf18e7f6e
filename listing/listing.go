// Package listing caches remote bucket listings for a short TTL and keeps
// serving the last good listing, marked stale, when a refresh fails.
package listing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	lineagecache "github.com/wolfeidau/lineage-cache"
	"github.com/wolfeidau/lineage-cache/download"
	"github.com/wolfeidau/lineage-cache/remote"
	"github.com/wolfeidau/lineage-cache/telemetry"
)

const (
	// DefaultTTL is how long a listing is served without refreshing.
	DefaultTTL = 5 * time.Minute

	// DefaultFetchTimeout bounds one refresh, including retries.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxAttempts bounds refresh attempts for transient errors.
	DefaultMaxAttempts = 3

	// DefaultRetryInitial is the first delay between refresh attempts.
	DefaultRetryInitial = 200 * time.Millisecond

	// maxProbed bounds the memo of keys with nothing in the store. When full
	// it is reset and those keys are looked up again.
	maxProbed = 1024

	// keySeparator joins bucket and prefix. It cannot appear in a bucket name.
	keySeparator = "#"
)

// ErrInvalidBucket is returned for bucket names that are empty or contain
// a path or key separator.
var ErrInvalidBucket = errors.New("listing: invalid bucket name")

// Snapshot is a listing as of FetchedAt.
type Snapshot struct {
	Bucket    string          `json:"bucket"`
	Prefix    string          `json:"prefix"`
	Listing   *remote.Listing `json:"listing"`
	FetchedAt time.Time       `json:"fetched_at"`

	// Stale is set when the snapshot is served because a refresh failed.
	Stale bool `json:"stale"`
}

// Age returns how old the snapshot is at now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// Config configures a Cache.
type Config struct {
	// TTL is how long a snapshot is fresh (default: 5m).
	TTL time.Duration

	// FetchTimeout bounds a refresh (default: 30s). On timeout the refresh
	// claim is released.
	FetchTimeout time.Duration

	// MaxAttempts bounds refresh attempts for transient errors (default: 3).
	MaxAttempts uint

	// RetryInitial is the first retry delay (default: 200ms).
	RetryInitial time.Duration

	// Store persists the last good snapshot per key. Optional.
	Store SnapshotStore

	// Logger for listing events.
	Logger *slog.Logger
}

// Cache caches listings per (bucket, prefix).
type Cache struct {
	client       remote.Client
	store        SnapshotStore
	ttl          time.Duration
	maxAttempts  uint
	retryInitial time.Duration
	logger       *slog.Logger
	now          func() time.Time

	refreshes *download.Group[*Snapshot]

	mu        sync.Mutex
	snapshots map[string]*Snapshot
	probed    map[string]bool // keys with no stored snapshot
}

// New creates a listing cache.
func New(client remote.Client, cfg Config) (*Cache, error) {
	if client == nil {
		return nil, errors.New("listing: client is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
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

	return &Cache{
		client:       client,
		store:        cfg.Store,
		ttl:          cfg.TTL,
		maxAttempts:  cfg.MaxAttempts,
		retryInitial: cfg.RetryInitial,
		logger:       cfg.Logger,
		now:          time.Now,
		refreshes: download.New[*Snapshot](
			download.WithLogger(cfg.Logger),
			download.WithTimeout(cfg.FetchTimeout),
		),
		snapshots: make(map[string]*Snapshot),
		probed:    make(map[string]bool),
	}, nil
}

// Key returns the cache key for a bucket and prefix.
func Key(bucket, prefix string) string {
	return bucket + keySeparator + prefix
}

// ValidateBucket rejects bucket names that would make Key ambiguous.
func ValidateBucket(bucket string) error {
	if bucket == "" || strings.ContainsAny(bucket, "/"+keySeparator) {
		return fmt.Errorf("%w: %q", ErrInvalidBucket, bucket)
	}
	return nil
}

// Get returns the listing of bucket under prefix. A snapshot younger than
// the TTL is returned as is. Otherwise the listing is refreshed; if that
// fails and an older snapshot exists it is returned with Stale set.
func (c *Cache) Get(ctx context.Context, bucket, prefix string) (*Snapshot, error) {
	if err := ValidateBucket(bucket); err != nil {
		return nil, err
	}
	key := Key(bucket, prefix)

	prev := c.current(ctx, key)
	if prev != nil && prev.Age(c.now()) < c.ttl {
		telemetry.RecordCacheLookup(ctx, telemetry.CacheListing, telemetry.CacheHit)
		telemetry.MarkCacheResult(ctx, telemetry.CacheHit)
		return prev.copy(false), nil
	}

	snap, _, err := c.refreshes.Do(ctx, key, func(ctx context.Context) (*Snapshot, error) {
		return c.refresh(ctx, bucket, prefix)
	})
	if err == nil {
		telemetry.RecordCacheLookup(ctx, telemetry.CacheListing, telemetry.CacheMiss)
		telemetry.MarkCacheResult(ctx, telemetry.CacheMiss)
		return snap.copy(false), nil
	}
	c.refreshes.ForgetOnError(key, err)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// A concurrent refresh may have installed a newer snapshot.
	if latest := c.current(ctx, key); latest != nil {
		c.logger.Warn("serving stale listing",
			"bucket", bucket,
			"prefix", prefix,
			"age", latest.Age(c.now()),
			"error", err,
		)
		telemetry.RecordListingStaleServed(ctx)
		telemetry.RecordCacheLookup(ctx, telemetry.CacheListing, telemetry.CacheStale)
		telemetry.MarkCacheResult(ctx, telemetry.CacheStale)
		return latest.copy(true), nil
	}

	telemetry.RecordCacheLookup(ctx, telemetry.CacheListing, telemetry.CacheMiss)
	telemetry.MarkCacheResult(ctx, telemetry.CacheMiss)
	return nil, fmt.Errorf("listing %s: %w", key, err)
}

// current returns the snapshot held for key, loading it from the store on
// first access.
func (c *Cache) current(ctx context.Context, key string) *Snapshot {
	c.mu.Lock()
	snap, probed := c.snapshots[key], c.probed[key]
	c.mu.Unlock()
	if snap != nil || probed || c.store == nil {
		return snap
	}

	loaded, err := c.store.Load(ctx, key)
	if err != nil && !errors.Is(err, ErrNoSnapshot) {
		c.logger.Warn("loading stored listing failed", "key", key, "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing := c.snapshots[key]; existing != nil {
		return existing
	}
	if loaded == nil {
		if len(c.probed) >= maxProbed {
			clear(c.probed)
		}
		c.probed[key] = true
		return nil
	}
	loaded.Stale = false
	c.snapshots[key] = loaded
	c.logger.Debug("restored stored listing", "key", key, "fetched_at", loaded.FetchedAt)
	return loaded
}

// refresh lists the bucket with bounded retries and installs the result.
func (c *Cache) refresh(ctx context.Context, bucket, prefix string) (*Snapshot, error) {
	key := Key(bucket, prefix)
	start := c.now()

	attempt := func() (*remote.Listing, error) {
		l, err := c.client.List(ctx, bucket, prefix)
		if err == nil {
			return l, nil
		}
		if lineagecache.IsRetryable(err) {
			c.logger.Debug("listing attempt failed", "key", key, "error", err)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial

	l, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxAttempts),
	)
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		telemetry.RecordListingRefresh(ctx, outcome, c.now().Sub(start))
		return nil, err
	}
	telemetry.RecordListingRefresh(ctx, "success", c.now().Sub(start))

	snap := &Snapshot{
		Bucket:    bucket,
		Prefix:    prefix,
		Listing:   l,
		FetchedAt: c.now(),
	}

	c.mu.Lock()
	c.snapshots[key] = snap
	delete(c.probed, key)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Save(ctx, key, snap); err != nil {
			c.logger.Warn("persisting listing failed", "key", key, "error", err)
		}
	}

	c.logger.Debug("listing refreshed",
		"key", key,
		"objects", len(l.Objects),
		"duration", c.now().Sub(start),
	)
	return snap, nil
}

// Invalidate drops the snapshot for bucket and prefix, including any stored
// copy. It reports whether a snapshot was held in memory.
func (c *Cache) Invalidate(ctx context.Context, bucket, prefix string) bool {
	key := Key(bucket, prefix)
	if c.store != nil {
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn("deleting stored listing failed", "key", key, "error", err)
		}
	}

	c.mu.Lock()
	_, ok := c.snapshots[key]
	delete(c.snapshots, key)
	delete(c.probed, key)
	c.mu.Unlock()

	if ok {
		telemetry.RecordEviction(ctx, telemetry.CacheListing, telemetry.EvictInvalidate, 1)
	}
	return ok
}

// Keys returns the keys with a snapshot in memory, sorted.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.snapshots))
	for k := range c.snapshots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of snapshots in memory.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snapshots)
}

func (s *Snapshot) copy(stale bool) *Snapshot {
	cp := *s
	cp.Stale = stale
	return &cp
}
