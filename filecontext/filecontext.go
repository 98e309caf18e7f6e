// Package filecontext caches loaded datasets together with their derived
// configuration and a small metadata cache, validated against the file's
// modification time.
package filecontext

import (
	"context"
	"errors"
	"log/slog"
	"time"

	lineagecache "github.com/wolfeidau/lineage-cache"
	"github.com/wolfeidau/lineage-cache/dataset"
	"github.com/wolfeidau/lineage-cache/download"
	"github.com/wolfeidau/lineage-cache/lru"
	"github.com/wolfeidau/lineage-cache/telemetry"
)

const (
	// DefaultCapacity is the default number of cached file contexts.
	DefaultCapacity = 8
	// DefaultMetadataCapacity is the default size of each context's metadata cache.
	DefaultMetadataCapacity = 64
)

// FileContext bundles a loaded dataset with everything derived from it.
// Dropping the context drops its metadata with it.
type FileContext struct {
	Path     string
	Handle   dataset.Handle
	Config   map[string]any
	ModTime  time.Time
	LoadedAt time.Time

	metadata *lru.Store[string, any]
}

// Metadata returns a cached value derived from this dataset.
func (fc *FileContext) Metadata(key string) (any, bool) {
	return fc.metadata.Get(key)
}

// SetMetadata caches a value derived from this dataset.
func (fc *FileContext) SetMetadata(key string, value any) {
	fc.metadata.Set(key, value)
}

// MetadataLen returns the number of cached metadata entries.
func (fc *FileContext) MetadataLen() int {
	return fc.metadata.Len()
}

// Config configures the cache.
type Config struct {
	// Capacity is the maximum number of file contexts held (default: 8).
	Capacity int

	// MetadataCapacity bounds each context's metadata cache (default: 64).
	MetadataCapacity int

	// Loader loads datasets. Required.
	Loader dataset.Loader

	// Derive computes the config for a loaded dataset (default: dataset.DeriveConfig).
	Derive dataset.ConfigDeriver

	// LoadTimeout bounds a single load (default: no limit).
	LoadTimeout time.Duration

	// Logger for cache events.
	Logger *slog.Logger
}

// Cache resolves dataset paths to file contexts. At most one load per path
// runs at a time.
type Cache struct {
	loader           dataset.Loader
	derive           dataset.ConfigDeriver
	metadataCapacity int
	logger           *slog.Logger
	now              func() time.Time

	store *lru.ValidatedStore[string, *FileContext, int64]
	loads *download.Group[*FileContext]
}

// New creates a file-context cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Loader == nil {
		return nil, errors.New("filecontext: loader is required")
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.MetadataCapacity == 0 {
		cfg.MetadataCapacity = DefaultMetadataCapacity
	}
	if cfg.Derive == nil {
		cfg.Derive = dataset.DeriveConfig
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MetadataCapacity < 1 {
		return nil, lru.ErrInvalidCapacity
	}

	c := &Cache{
		loader:           cfg.Loader,
		derive:           cfg.Derive,
		metadataCapacity: cfg.MetadataCapacity,
		logger:           cfg.Logger,
		now:              time.Now,
		loads: download.New[*FileContext](
			download.WithLogger(cfg.Logger),
			download.WithTimeout(cfg.LoadTimeout),
		),
	}

	store, err := lru.NewValidated[string, *FileContext, int64](cfg.Capacity, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.store = store
	return c, nil
}

func (c *Cache) onEvict(path string, fc *FileContext) {
	c.logger.Debug("file context evicted",
		"path", path,
		"metadata_entries", fc.MetadataLen(),
	)
	telemetry.RecordEviction(context.Background(), telemetry.CacheFileContext, telemetry.EvictCapacity, 1)
}

// GetOrLoad returns the context for path, loading it on a miss or when the
// file has changed since it was cached.
func (c *Cache) GetOrLoad(ctx context.Context, path string) (*FileContext, error) {
	key, err := dataset.CanonicalPath(path)
	if err != nil {
		return nil, &lineagecache.LoadError{Path: path, Err: err}
	}

	modTime, err := c.loader.ModTime(ctx, key)
	if err != nil {
		return nil, &lineagecache.LoadError{Path: key, Err: err}
	}
	if fc, ok := c.store.GetValid(key, modTime.UnixNano()); ok {
		telemetry.RecordCacheLookup(ctx, telemetry.CacheFileContext, telemetry.CacheHit)
		telemetry.MarkCacheResult(ctx, telemetry.CacheHit)
		return fc, nil
	}
	telemetry.RecordCacheLookup(ctx, telemetry.CacheFileContext, telemetry.CacheMiss)
	telemetry.MarkCacheResult(ctx, telemetry.CacheMiss)

	fc, shared, err := c.loads.Do(ctx, key, func(ctx context.Context) (*FileContext, error) {
		// Another load may have finished between the check above and
		// claiming the key.
		current, err := c.loader.ModTime(ctx, key)
		if err != nil {
			return nil, &lineagecache.LoadError{Path: key, Err: err}
		}
		if fc, ok := c.store.GetValid(key, current.UnixNano()); ok {
			return fc, nil
		}
		return c.load(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("joined in-flight load", "path", key)
	}
	return fc, nil
}

func (c *Cache) load(ctx context.Context, key string) (*FileContext, error) {
	start := c.now()

	h, modTime, err := c.loader.Load(ctx, key)
	if err != nil {
		telemetry.RecordDatasetLoad(ctx, "", "error", c.now().Sub(start))
		var le *lineagecache.LoadError
		if errors.As(err, &le) {
			return nil, err
		}
		return nil, &lineagecache.LoadError{Path: key, Err: err}
	}

	cfg, err := c.derive(h, key)
	if err != nil {
		telemetry.RecordDatasetLoad(ctx, string(h.Format()), "error", c.now().Sub(start))
		return nil, &lineagecache.LoadError{Path: key, Err: err}
	}

	metadata, err := lru.New[string, any](c.metadataCapacity, nil)
	if err != nil {
		return nil, err
	}

	fc := &FileContext{
		Path:     key,
		Handle:   h,
		Config:   cfg,
		ModTime:  modTime,
		LoadedAt: c.now(),
		metadata: metadata,
	}
	if _, _, existed := c.store.GetWithMeta(key); existed {
		telemetry.RecordEviction(ctx, telemetry.CacheFileContext, telemetry.EvictReplaced, 1)
	}
	c.store.Set(key, fc, modTime.UnixNano())

	duration := c.now().Sub(start)
	telemetry.RecordDatasetLoad(ctx, string(h.Format()), "success", duration)
	c.logger.Info("dataset loaded",
		"path", key,
		"format", h.Format(),
		"size_bytes", h.SizeBytes(),
		"duration", duration,
	)
	return fc, nil
}

// Peek returns the cached context for path without validating or loading it.
func (c *Cache) Peek(path string) (*FileContext, bool) {
	key, err := dataset.CanonicalPath(path)
	if err != nil {
		return nil, false
	}
	return c.store.Get(key)
}

// GetMetadata returns a metadata value for an already cached dataset. It
// never loads: a path whose context was evicted is a miss.
func (c *Cache) GetMetadata(path, key string) (any, bool) {
	fc, ok := c.Peek(path)
	if !ok {
		telemetry.RecordCacheLookup(context.Background(), telemetry.CacheMetadata, telemetry.CacheMiss)
		return nil, false
	}
	v, ok := fc.Metadata(key)
	result := telemetry.CacheMiss
	if ok {
		result = telemetry.CacheHit
	}
	telemetry.RecordCacheLookup(context.Background(), telemetry.CacheMetadata, result)
	return v, ok
}

// SetMetadata stores a metadata value on the context for path, resolving
// the context first.
func (c *Cache) SetMetadata(ctx context.Context, path, key string, value any) error {
	fc, err := c.GetOrLoad(ctx, path)
	if err != nil {
		return err
	}
	fc.SetMetadata(key, value)
	return nil
}

// Invalidate drops the context for path. Returns true if one was cached.
func (c *Cache) Invalidate(path string) bool {
	key, err := dataset.CanonicalPath(path)
	if err != nil {
		return false
	}
	removed := c.store.Remove(key)
	if removed {
		telemetry.RecordEviction(context.Background(), telemetry.CacheFileContext, telemetry.EvictInvalidate, 1)
		c.logger.Debug("file context invalidated", "path", key)
	}
	return removed
}

// Len returns the number of cached contexts.
func (c *Cache) Len() int {
	return c.store.Len()
}

// Paths returns the cached paths from least to most recently used.
func (c *Cache) Paths() []string {
	return c.store.Keys()
}

// Clear drops every cached context.
func (c *Cache) Clear() {
	n := c.store.Len()
	c.store.Clear()
	telemetry.RecordEviction(context.Background(), telemetry.CacheFileContext, telemetry.EvictInvalidate, n)
}
