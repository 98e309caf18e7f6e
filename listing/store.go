package listing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// ErrNoSnapshot is returned when no snapshot exists for a key.
var ErrNoSnapshot = errors.New("no listing snapshot")

var bucketSnapshots = []byte("listing_snapshots") // bucket/prefix -> envelope JSON

// SnapshotStore persists the last good snapshot per listing key.
type SnapshotStore interface {
	// Load returns the stored snapshot for key or ErrNoSnapshot.
	Load(ctx context.Context, key string) (*Snapshot, error)
	Save(ctx context.Context, key string, snap *Snapshot) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// BoltStore is a SnapshotStore backed by bbolt.
type BoltStore struct {
	db     *bbolt.DB
	codec  *Codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithStoreLogger sets the logger for the store.
func WithStoreLogger(logger *slog.Logger) BoltOption {
	return func(b *BoltStore) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// Use only for tests.
func WithNoSync(noSync bool) BoltOption {
	return func(b *BoltStore) {
		b.noSync = noSync
	}
}

// OpenBoltStore opens or creates the snapshot database at path.
func OpenBoltStore(path string, opts ...BoltOption) (*BoltStore, error) {
	b := &BoltStore{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening snapshot database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketSnapshots, err)
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	b.db = db
	b.codec = codec
	b.logger.Debug("opened snapshot store", "path", path)
	return b, nil
}

// Load implements SnapshotStore.
func (b *BoltStore) Load(_ context.Context, key string) (*Snapshot, error) {
	var raw []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(key))
		if v == nil {
			return ErrNoSnapshot
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	snap, err := b.codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", key, err)
	}
	return snap, nil
}

// Save implements SnapshotStore.
func (b *BoltStore) Save(_ context.Context, key string, snap *Snapshot) error {
	raw, err := b.codec.Encode(snap, b.now())
	if err != nil {
		return fmt.Errorf("encoding snapshot %s: %w", key, err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(key), raw)
	})
}

// Delete implements SnapshotStore.
func (b *BoltStore) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete([]byte(key))
	})
}

// Keys returns every stored listing key.
func (b *BoltStore) Keys() ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Close closes the database.
func (b *BoltStore) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing snapshot store")
	err := b.db.Close()
	b.db = nil
	return err
}

var _ SnapshotStore = (*BoltStore)(nil)
