package download

import (
	"fmt"
	"io"
	"os"

	lineagecache "github.com/wolfeidau/lineage-cache"
)

// SpoolResult describes a completed spool.
type SpoolResult struct {
	Path string            // temp file holding the content
	Hash lineagecache.Hash // BLAKE3 content hash
	Size int64             // total bytes written
}

// Spool copies r into a new temp file in dir while hashing it. dir should be
// on the same filesystem as the final destination so the caller can rename
// the file into place.
//
// Temp file lifecycle:
//   - On error Spool removes the temp file.
//   - On success the caller owns the file and must rename or remove it.
//
// If expectedSize is positive a short or long copy is an error.
func Spool(r io.Reader, dir string, expectedSize int64) (*SpoolResult, error) {
	tmpFile, err := os.CreateTemp(dir, ".spool-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	callerOwnsTmp := false
	defer func() {
		if !callerOwnsTmp {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	hr := lineagecache.NewHashingReader(r)
	n, err := io.Copy(tmpFile, hr)
	if err != nil {
		return nil, fmt.Errorf("spooling: %w", err)
	}
	if expectedSize > 0 && n != expectedSize {
		return nil, fmt.Errorf("content-length mismatch: expected %d, got %d", expectedSize, n)
	}
	if err := tmpFile.Sync(); err != nil {
		return nil, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("closing temp file: %w", err)
	}

	callerOwnsTmp = true
	return &SpoolResult{
		Path: tmpPath,
		Hash: hr.Sum(),
		Size: n,
	}, nil
}
