// Package download provides singleflight-based deduplication for concurrent
// expensive fetches. When multiple callers ask for the same uncached resource
// (a remote artifact, a dataset load, a tree parse), only one fetch runs and
// every caller receives its result.
package download

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Func performs the fetch. The context passed to Func is detached from any
// single caller so that one caller timing out does not cancel the fetch for
// other waiters. It carries the group's timeout, if one is set.
type Func[T any] func(ctx context.Context) (T, error)

// Group deduplicates concurrent fetches for the same key using singleflight.
// It uses DoChan so each caller can respect its own context deadline without
// cancelling the in-flight fetch for others.
type Group[T any] struct {
	group   singleflight.Group
	logger  *slog.Logger
	timeout time.Duration
}

type options struct {
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures a Group.
type Option func(*options)

// WithLogger sets the logger for the group.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTimeout bounds each fetch. When it expires the fetch's context is
// cancelled, the claim on the key is released and later callers start a new
// fetch.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// New creates a new Group.
func New[T any](opts ...Option) *Group[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Group[T]{
		logger:  o.logger,
		timeout: o.timeout,
	}
}

// Do deduplicates concurrent fetches for the same key.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the fetch completes, Do returns
// the context error but the in-flight fetch continues for other waiters.
func (g *Group[T]) Do(ctx context.Context, key string, fn Func[T]) (T, bool, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		// Use a detached context so that no single caller's cancellation
		// stops the fetch for everyone else.
		fetchCtx := context.WithoutCancel(ctx)
		if g.timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, g.timeout)
			defer cancel()
		}

		start := time.Now()
		v, err := fn(fetchCtx)
		if err != nil {
			g.logger.Debug("shared fetch failed",
				"key", key,
				"duration", time.Since(start),
				"error", err,
			)
		}
		return v, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Shared, res.Err
		}
		v, _ := res.Val.(T)
		return v, res.Shared, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

// Forget removes the key from the group, so the next call starts a new
// fetch even if one is still in flight.
func (g *Group[T]) Forget(key string) {
	g.group.Forget(key)
}

// ForgetOnError calls Forget if err represents a real fetch failure rather
// than the caller's own context expiring.
func (g *Group[T]) ForgetOnError(key string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	g.Forget(key)
}
