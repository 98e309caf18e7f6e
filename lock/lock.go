// Package lock provides keyed mutual exclusion between processes sharing a
// cache directory. A lock is a file created exclusively; its holder keeps
// the lease alive by touching the file, and a lease left untouched past
// StaleAfter is treated as abandoned and broken.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	lineagecache "github.com/wolfeidau/lineage-cache"
	"github.com/wolfeidau/lineage-cache/telemetry"
)

const (
	// DefaultAcquireTimeout bounds how long Acquire waits for a held lock.
	DefaultAcquireTimeout = 30 * time.Second
	// DefaultStaleAfter is how long an untouched lease stays valid.
	DefaultStaleAfter = 2 * time.Minute
)

// errHeld is returned by a single acquisition attempt when the lock is taken.
var errHeld = errors.New("lock held")

// ErrNotOwner is returned when releasing a lock that was broken and taken by
// another owner.
var ErrNotOwner = errors.New("lock: not the owner")

// Guard is a held lock.
type Guard interface {
	// Release gives up the lock. It is safe to call more than once.
	Release() error
}

// Locker acquires keyed locks.
type Locker interface {
	// Acquire blocks until the lock for key is held, ctx is done, or the
	// locker's acquire timeout passes. A timeout is a retryable
	// *lineagecache.TransientFetchError wrapping lineagecache.ErrLockTimeout.
	Acquire(ctx context.Context, key string) (Guard, error)
}

// Config configures a FileLocker.
type Config struct {
	// Dir holds the lock files. Required.
	Dir string

	// AcquireTimeout bounds the wait for a held lock (default: 30s).
	AcquireTimeout time.Duration

	// StaleAfter is the lease length. A lock file not touched for this long
	// is broken by the next waiter (default: 2m).
	StaleAfter time.Duration

	// PollInitial and PollMax bound the exponential poll interval while
	// waiting (defaults: 10ms, 500ms).
	PollInitial time.Duration
	PollMax     time.Duration

	// Logger for lock events.
	Logger *slog.Logger
}

// owner is the content of a lock file.
type owner struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileLocker implements Locker with lock files in a shared directory.
type FileLocker struct {
	dir            string
	acquireTimeout time.Duration
	staleAfter     time.Duration
	pollInitial    time.Duration
	pollMax        time.Duration
	logger         *slog.Logger
	now            func() time.Time
	host           string
}

// NewFileLocker creates a file locker, creating its directory if needed.
func NewFileLocker(cfg Config) (*FileLocker, error) {
	if cfg.Dir == "" {
		return nil, errors.New("lock: dir is required")
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.PollInitial == 0 {
		cfg.PollInitial = 10 * time.Millisecond
	}
	if cfg.PollMax == 0 {
		cfg.PollMax = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}

	host, _ := os.Hostname()
	return &FileLocker{
		dir:            cfg.Dir,
		acquireTimeout: cfg.AcquireTimeout,
		staleAfter:     cfg.StaleAfter,
		pollInitial:    cfg.PollInitial,
		pollMax:        cfg.PollMax,
		logger:         cfg.Logger,
		now:            time.Now,
		host:           host,
	}, nil
}

// path returns the lock file for key. Keys are hashed so any string is safe.
func (l *FileLocker) path(key string) string {
	return filepath.Join(l.dir, lineagecache.HashString(key).String()+".lock")
}

// Acquire implements Locker.
func (l *FileLocker) Acquire(ctx context.Context, key string) (Guard, error) {
	path := l.path(key)
	me := owner{
		ID:   uuid.NewString(),
		Key:  key,
		PID:  os.Getpid(),
		Host: l.host,
	}

	start := l.now()
	attempt := func() (struct{}, error) {
		err := l.tryCreate(path, me)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, errHeld):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}

	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = l.pollInitial
	poll.MaxInterval = l.pollMax
	poll.RandomizationFactor = 0.2

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(poll),
		backoff.WithMaxElapsedTime(l.acquireTimeout),
	)
	waited := l.now().Sub(start)
	switch {
	case err == nil:
	case errors.Is(err, errHeld):
		telemetry.RecordLockWait(ctx, "timeout", waited)
		l.logger.Warn("lock wait timed out", "key", key, "waited", waited)
		return nil, &lineagecache.TransientFetchError{
			Op:  "lock",
			Key: key,
			Err: fmt.Errorf("%w after %s", lineagecache.ErrLockTimeout, l.acquireTimeout),
		}
	case ctx.Err() != nil:
		telemetry.RecordLockWait(ctx, "canceled", waited)
		return nil, err
	default:
		telemetry.RecordLockWait(ctx, "error", waited)
		return nil, fmt.Errorf("acquiring lock for %s: %w", key, err)
	}

	telemetry.RecordLockWait(ctx, "acquired", waited)
	l.logger.Debug("lock acquired", "key", key, "owner", me.ID, "waited", waited)

	g := &fileGuard{
		locker: l,
		path:   path,
		owner:  me.ID,
		key:    key,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go g.heartbeat(l.staleAfter / 3)
	return g, nil
}

// tryCreate makes one attempt to create the lock file, breaking it first if
// its lease has lapsed.
func (l *FileLocker) tryCreate(path string, me owner) error {
	me.AcquiredAt = l.now()
	data, err := json.Marshal(me)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		if _, werr := f.Write(data); werr != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return werr
		}
		return f.Close()
	}
	if !errors.Is(err, fs.ErrExist) {
		return err
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		// Released between our create and stat.
		return errHeld
	}
	if err != nil {
		return err
	}
	if l.now().Sub(info.ModTime()) <= l.staleAfter {
		return errHeld
	}

	previous, _ := readOwner(path)
	// Only one waiter wins the rename, so a lease is broken at most once.
	broken := path + "." + me.ID + ".broken"
	if err := os.Rename(path, broken); err != nil {
		return errHeld
	}
	_ = os.Remove(broken)
	l.logger.Warn("broke stale lock",
		"key", me.Key,
		"previous_owner", previous.ID,
		"previous_host", previous.Host,
		"idle", l.now().Sub(info.ModTime()),
	)
	return l.tryCreate(path, me)
}

func readOwner(path string) (owner, error) {
	var o owner
	data, err := os.ReadFile(path)
	if err != nil {
		return o, err
	}
	err = json.Unmarshal(data, &o)
	return o, err
}

type fileGuard struct {
	locker *FileLocker
	path   string
	owner  string
	key    string

	once   sync.Once
	err    error
	stopCh chan struct{}
	doneCh chan struct{}
}

// heartbeat renews the lease until Release.
func (g *fileGuard) heartbeat(every time.Duration) {
	defer close(g.doneCh)
	if every <= 0 {
		<-g.stopCh
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			now := g.locker.now()
			if err := os.Chtimes(g.path, now, now); err != nil {
				g.locker.logger.Warn("failed to renew lock lease", "key", g.key, "error", err)
			}
		}
	}
}

// Release implements Guard.
func (g *fileGuard) Release() error {
	g.once.Do(func() {
		close(g.stopCh)
		<-g.doneCh

		current, err := readOwner(g.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			g.err = fmt.Errorf("%w: lock for %s was broken", ErrNotOwner, g.key)
			return
		case err != nil:
			g.err = fmt.Errorf("reading lock for %s: %w", g.key, err)
			return
		case current.ID != g.owner:
			g.err = fmt.Errorf("%w: lock for %s now held by %s", ErrNotOwner, g.key, current.ID)
			return
		}
		if err := os.Remove(g.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			g.err = fmt.Errorf("removing lock for %s: %w", g.key, err)
		}
	})
	return g.err
}
