// Package remote talks to the object storage that holds datasets too large or
// too slow to read in place.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lineagecache "github.com/wolfeidau/lineage-cache"
)

// ErrObjectNotFound is returned when a bucket or object does not exist. It is
// always reported as a permanent failure.
var ErrObjectNotFound = errors.New("object not found")

// Object describes one stored object.
type Object struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size,string"`
	Updated time.Time `json:"updated"`
	MD5     string    `json:"md5Hash,omitempty"`
}

// Listing is the result of listing a bucket under a prefix.
type Listing struct {
	Bucket    string    `json:"bucket"`
	Prefix    string    `json:"prefix"`
	Objects   []Object  `json:"objects"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Client lists and downloads remote objects. Errors are classified with
// lineagecache.ErrTransient or lineagecache.ErrPermanent.
type Client interface {
	List(ctx context.Context, bucket, prefix string) (*Listing, error)

	// Download opens the object named by key ("bucket/object"). The caller
	// must close the returned reader.
	Download(ctx context.Context, key string) (io.ReadCloser, error)
}

// SplitKey splits "bucket/object" into its parts.
func SplitKey(key string) (bucket, object string, err error) {
	bucket, object, ok := strings.Cut(strings.TrimPrefix(key, "/"), "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("%w: invalid remote key %q", lineagecache.ErrPermanent, key)
	}
	return bucket, object, nil
}

// classifyStatus turns a non-2xx response into a classified error.
// 5xx and 429 are worth retrying, everything else is not.
func classifyStatus(op, key string, status int, body string) error {
	cause := fmt.Errorf("storage returned %d: %s", status, strings.TrimSpace(body))
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w: %w", op, key, lineagecache.ErrPermanent, ErrObjectNotFound)
	case status == http.StatusTooManyRequests, status >= 500:
		return &lineagecache.TransientFetchError{Op: op, Key: key, Err: cause}
	default:
		return fmt.Errorf("%s %s: %w: %w", op, key, lineagecache.ErrPermanent, cause)
	}
}

// classifyTransportError wraps a failed round trip. Cancellation by the
// caller is returned as is.
func classifyTransportError(ctx context.Context, op, key string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &lineagecache.TransientFetchError{Op: op, Key: key, Err: err}
}
