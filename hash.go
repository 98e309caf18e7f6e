// Package lineagecache holds the shared types of the lineage cache: the error
// taxonomy surfaced to callers and the BLAKE3 digests used to name artifacts in
// the local accelerator tier.
package lineagecache

import (
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// artifactPrefix is the backend prefix under which accelerator artifacts live.
const artifactPrefix = "artifacts"

// Hash represents a BLAKE3 256-bit digest.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// Dir returns the first two characters of the hex-encoded hash,
// used for sharding artifacts into subdirectories.
func (h Hash) Dir() string {
	return hex.EncodeToString(h[:1])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashString computes the BLAKE3 hash of a string, typically a remote object key.
func HashString(s string) Hash {
	return HashBytes([]byte(s))
}

// ArtifactKey returns the backend key for a remote object cached by the
// accelerator: artifacts/{hash[0:2]}/{hash}{ext}. The extension of the remote
// key is preserved so dataset loaders can detect the format from the local
// path. A trailing ".zst" keeps the extension before it too.
func ArtifactKey(remoteKey string) string {
	h := HashString(remoteKey)
	lower := strings.ToLower(remoteKey)
	ext := path.Ext(lower)
	if ext == ".zst" {
		ext = path.Ext(strings.TrimSuffix(lower, ext)) + ext
	}
	if len(ext) > 16 || strings.ContainsAny(ext, "/\\") {
		ext = ""
	}
	return fmt.Sprintf("%s/%s/%s%s", artifactPrefix, h.Dir(), h.String(), ext)
}

// ParseArtifactKey returns the hash named by an artifact key, rejecting keys
// that ArtifactKey could not have produced.
func ParseArtifactKey(key string) (Hash, error) {
	rest, ok := strings.CutPrefix(key, artifactPrefix+"/")
	if !ok {
		return Hash{}, fmt.Errorf("artifact key %q: missing %s/ prefix", key, artifactPrefix)
	}
	dir, name, ok := strings.Cut(rest, "/")
	if !ok {
		return Hash{}, fmt.Errorf("artifact key %q: missing shard directory", key)
	}
	hexHash, _, _ := strings.Cut(name, ".")
	h, err := ParseHash(hexHash)
	if err != nil {
		return Hash{}, fmt.Errorf("artifact key %q: %w", key, err)
	}
	if h.Dir() != dir {
		return Hash{}, fmt.Errorf("artifact key %q: shard %s does not match hash", key, dir)
	}
	return h, nil
}

// ArtifactPrefix returns the backend prefix that holds all accelerator artifacts.
func ArtifactPrefix() string {
	return artifactPrefix
}

// HashingReader wraps a reader and computes the hash as data is read.
type HashingReader struct {
	r io.Reader
	h *blake3.Hasher
}

// NewHashingReader creates a reader that computes a hash as data is read.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{
		r: r,
		h: blake3.New(),
	}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		_, _ = hr.h.Write(p[:n])
	}
	return n, err
}

// Sum returns the hash of all data read so far.
func (hr *HashingReader) Sum() Hash {
	var hash Hash
	hr.h.Sum(hash[:0])
	return hash
}
