package lineagecache

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	cause := errors.New("boom")

	loadErr := fmt.Errorf("resolving: %w", &LoadError{Path: "/data/a.nwk", Err: cause})
	require.ErrorIs(t, loadErr, ErrLoad)
	require.ErrorIs(t, loadErr, cause)
	require.NotErrorIs(t, loadErr, ErrParse)

	var le *LoadError
	require.ErrorAs(t, loadErr, &le)
	require.Equal(t, "/data/a.nwk", le.Path)

	parseErr := &ParseError{Path: "/data/a.nwk", Index: 4, Err: cause}
	require.ErrorIs(t, parseErr, ErrParse)
	require.Contains(t, parseErr.Error(), "tree 4")

	nf := &NotFoundError{Node: 9, Size: 4}
	require.ErrorIs(t, nf, ErrNotFound)
	require.Contains(t, nf.Error(), "node 9")
}

func TestIsRetryable(t *testing.T) {
	transient := &TransientFetchError{Op: "list", Key: "bucket/prefix", Err: context.DeadlineExceeded}
	require.True(t, IsRetryable(transient))
	require.True(t, IsRetryable(fmt.Errorf("wrapped: %w", transient)))
	require.ErrorIs(t, transient, context.DeadlineExceeded)

	lockErr := &TransientFetchError{Op: "lock", Key: "k", Err: ErrLockTimeout}
	require.True(t, IsRetryable(lockErr))
	require.ErrorIs(t, lockErr, ErrLockTimeout)

	require.False(t, IsRetryable(fmt.Errorf("x: %w", ErrPermanent)))
	require.False(t, IsRetryable(nil))
}
