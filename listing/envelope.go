package listing

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	lineagecache "github.com/wolfeidau/lineage-cache"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed snapshot size.
	MaxPayloadSize = 64 * 1024 * 1024

	// CurrentEnvelopeVersion is the current envelope schema version. Version 1
	// stored a prefixed digest string and is no longer read.
	CurrentEnvelopeVersion = 2
)

// Envelope encodings.
const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"
)

var (
	// ErrPayloadTooLarge is returned when a snapshot exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds the limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("payload digest mismatch")
)

// envelope is the stored form of a snapshot.
type envelope struct {
	Version  int               `json:"v"`
	Encoding string            `json:"enc"`
	Digest   lineagecache.Hash `json:"digest"`
	Size     int               `json:"size"`
	StoredAt time.Time         `json:"stored_at"`
	Payload  []byte            `json:"payload"`
}

// Codec encodes snapshots into envelopes, compressing large payloads with
// zstd. It is safe for concurrent use.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with reusable zstd encoder and decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder and decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode marshals snap and wraps it in an envelope.
func (c *Codec) Encode(snap *Snapshot, now time.Time) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshaling snapshot: %w", err)
	}
	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	env := envelope{
		Version:  CurrentEnvelopeVersion,
		Encoding: EncodingIdentity,
		Digest:   lineagecache.HashBytes(data),
		Size:     len(data),
		StoredAt: now.UTC(),
		Payload:  data,
	}

	if len(data) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			if compressed := enc.EncodeAll(data, nil); len(compressed) < len(data) {
				env.Encoding = EncodingZstd
				env.Payload = compressed
			}
		}
	}

	return json.Marshal(env)
}

// Decode unwraps an envelope, verifying its digest.
func (c *Codec) Decode(raw []byte) (*Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	if env.Version != CurrentEnvelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", env.Version)
	}

	data := env.Payload
	switch env.Encoding {
	case EncodingIdentity:
	case EncodingZstd:
		if env.Size > MaxPayloadSize {
			return nil, ErrDecompressionBomb
		}
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		var err error
		data, err = dec.DecodeAll(env.Payload, make([]byte, 0, env.Size))
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if len(data) > MaxPayloadSize {
			return nil, ErrDecompressionBomb
		}
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", env.Encoding)
	}

	if lineagecache.HashBytes(data) != env.Digest {
		return nil, ErrCorrupted
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot: %w", err)
	}
	return &snap, nil
}
