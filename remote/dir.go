package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	lineagecache "github.com/wolfeidau/lineage-cache"
	"github.com/wolfeidau/lineage-cache/backend"
)

// DirClient serves a local directory as storage: each top-level directory is
// a bucket and the files below it are objects. Reads are recorded as
// backend operations named "storage_dir".
type DirClient struct {
	fs backend.Backend
}

// NewDirClient creates a client rooted at dir, creating it if needed.
func NewDirClient(dir string) (*DirClient, error) {
	fs, err := backend.NewFilesystem(dir)
	if err != nil {
		return nil, err
	}
	return &DirClient{fs: backend.NewInstrumentedBackend(fs, "storage_dir")}, nil
}

// List returns every object in bucket whose name starts with prefix, sorted
// by name.
func (c *DirClient) List(ctx context.Context, bucket, prefix string) (*Listing, error) {
	if bucket == "" || strings.Contains(bucket, "/") || escapesRoot(bucket) {
		return nil, fmt.Errorf("%w: invalid bucket %q", lineagecache.ErrPermanent, bucket)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := c.fs.Scan(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", bucket, err)
	}

	listing := &Listing{Bucket: bucket, Prefix: prefix, Objects: []Object{}}
	for _, e := range entries {
		name := strings.TrimPrefix(e.Key, bucket+"/")
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		listing.Objects = append(listing.Objects, Object{
			Name:    name,
			Size:    e.Size,
			Updated: e.ModTime.UTC(),
		})
	}
	sort.Slice(listing.Objects, func(i, j int) bool {
		return listing.Objects[i].Name < listing.Objects[j].Name
	})
	listing.FetchedAt = time.Now()
	return listing, nil
}

// Download opens the file for key ("bucket/object").
func (c *DirClient) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	if _, _, err := SplitKey(key); err != nil {
		return nil, err
	}
	if escapesRoot(key) {
		return nil, fmt.Errorf("%w: invalid remote key %q", lineagecache.ErrPermanent, key)
	}
	rc, err := c.fs.Read(ctx, key)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, fmt.Errorf("download %s: %w: %w", key, lineagecache.ErrPermanent, ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	return rc, nil
}

// escapesRoot reports whether key has a ".." segment.
func escapesRoot(key string) bool {
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

var (
	_ Client = (*HTTPClient)(nil)
	_ Client = (*DirClient)(nil)
)
