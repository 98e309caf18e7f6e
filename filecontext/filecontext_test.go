package filecontext

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	lineagecache "github.com/wolfeidau/lineage-cache"
	"github.com/wolfeidau/lineage-cache/dataset"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLoader serves tree sets from memory with settable modification times.
type fakeLoader struct {
	mu     sync.Mutex
	mtimes map[string]time.Time
	loads  atomic.Int32
	delay  time.Duration
	err    error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{mtimes: make(map[string]time.Time)}
}

func (f *fakeLoader) touch(path string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mtimes[path] = t
}

func (f *fakeLoader) ModTime(_ context.Context, path string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.mtimes[path]
	if !ok {
		return time.Time{}, errors.New("no such file")
	}
	return t, nil
}

func (f *fakeLoader) Load(ctx context.Context, path string) (dataset.Handle, time.Time, error) {
	f.loads.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, time.Time{}, f.err
	}
	t, err := f.ModTime(ctx, path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return dataset.NewTreeSet(path, 10, []string{"(A,B);"}), t, nil
}

func newCache(t *testing.T, loader *fakeLoader, capacity int) *Cache {
	t.Helper()
	c, err := New(Config{
		Capacity:         capacity,
		MetadataCapacity: 4,
		Loader:           loader,
		Logger:           testLogger(),
	})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresLoader(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestGetOrLoad_HitAfterLoad(t *testing.T) {
	loader := newFakeLoader()
	loader.touch("/data/a.nwk", time.Unix(100, 0))
	c := newCache(t, loader, 2)

	fc, err := c.GetOrLoad(context.Background(), "/data/a.nwk")
	require.NoError(t, err)
	require.Equal(t, "/data/a.nwk", fc.Path)
	require.Equal(t, 1, fc.Config["num_trees"])

	again, err := c.GetOrLoad(context.Background(), "/data/a.nwk")
	require.NoError(t, err)
	require.Same(t, fc, again)
	require.Equal(t, int32(1), loader.loads.Load())
}

func TestGetOrLoad_ConcurrentSingleLoad(t *testing.T) {
	loader := newFakeLoader()
	loader.touch("/data/a.nwk", time.Unix(100, 0))
	loader.delay = 50 * time.Millisecond
	c := newCache(t, loader, 2)

	const n = 20
	var wg sync.WaitGroup
	results := make([]*FileContext, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = c.GetOrLoad(context.Background(), "/data/a.nwk")
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), loader.loads.Load(), "loader should be called exactly once")
	for i := range n {
		require.NoError(t, errs[i])
		require.Same(t, results[0], results[i])
	}
}

func TestGetOrLoad_ModTimeChangeReloads(t *testing.T) {
	loader := newFakeLoader()
	loader.touch("/data/a.nwk", time.Unix(100, 0))
	c := newCache(t, loader, 2)

	first, err := c.GetOrLoad(context.Background(), "/data/a.nwk")
	require.NoError(t, err)
	first.SetMetadata("tips", 2)

	loader.touch("/data/a.nwk", time.Unix(200, 0))

	second, err := c.GetOrLoad(context.Background(), "/data/a.nwk")
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, int32(2), loader.loads.Load())
	require.True(t, second.ModTime.Equal(time.Unix(200, 0)))

	_, ok := c.GetMetadata("/data/a.nwk", "tips")
	require.False(t, ok, "metadata must not survive a reload")
}

func TestCapacityEvictionDropsMetadata(t *testing.T) {
	loader := newFakeLoader()
	for _, p := range []string{"/data/a.nwk", "/data/b.nwk", "/data/c.nwk"} {
		loader.touch(p, time.Unix(100, 0))
	}
	c := newCache(t, loader, 2)

	require.NoError(t, c.SetMetadata(context.Background(), "/data/a.nwk", "tips", 2))
	v, ok := c.GetMetadata("/data/a.nwk", "tips")
	require.True(t, ok)
	require.Equal(t, 2, v)

	_, err := c.GetOrLoad(context.Background(), "/data/b.nwk")
	require.NoError(t, err)
	_, err = c.GetOrLoad(context.Background(), "/data/c.nwk")
	require.NoError(t, err)

	require.Equal(t, 2, c.Len())
	require.Equal(t, []string{"/data/b.nwk", "/data/c.nwk"}, c.Paths())

	_, ok = c.GetMetadata("/data/a.nwk", "tips")
	require.False(t, ok)
}

func TestGetOrLoad_LoadErrorInstallsNothing(t *testing.T) {
	loader := newFakeLoader()
	loader.touch("/data/a.nwk", time.Unix(100, 0))
	loader.err = errors.New("corrupt file")
	c := newCache(t, loader, 2)

	_, err := c.GetOrLoad(context.Background(), "/data/a.nwk")
	require.ErrorIs(t, err, lineagecache.ErrLoad)

	var le *lineagecache.LoadError
	require.ErrorAs(t, err, &le)
	require.Equal(t, "/data/a.nwk", le.Path)
	require.Equal(t, 0, c.Len())

	loader.err = nil
	_, err = c.GetOrLoad(context.Background(), "/data/a.nwk")
	require.NoError(t, err)
	require.Equal(t, int32(2), loader.loads.Load())
}

func TestGetOrLoad_MissingFile(t *testing.T) {
	c := newCache(t, newFakeLoader(), 2)

	_, err := c.GetOrLoad(context.Background(), "/data/missing.nwk")
	require.ErrorIs(t, err, lineagecache.ErrLoad)
}

func TestGetOrLoad_DeriveErrorIsLoadError(t *testing.T) {
	loader := newFakeLoader()
	loader.touch("/data/a.nwk", time.Unix(100, 0))
	c, err := New(Config{
		Loader: loader,
		Derive: func(dataset.Handle, string) (map[string]any, error) {
			return nil, errors.New("bad header")
		},
		Logger: testLogger(),
	})
	require.NoError(t, err)

	_, err = c.GetOrLoad(context.Background(), "/data/a.nwk")
	require.ErrorIs(t, err, lineagecache.ErrLoad)
	require.Equal(t, 0, c.Len())
}

func TestInvalidate(t *testing.T) {
	loader := newFakeLoader()
	loader.touch("/data/a.nwk", time.Unix(100, 0))
	c := newCache(t, loader, 2)

	_, err := c.GetOrLoad(context.Background(), "/data/a.nwk")
	require.NoError(t, err)

	require.True(t, c.Invalidate("/data/a.nwk"))
	require.False(t, c.Invalidate("/data/a.nwk"))
	_, ok := c.Peek("/data/a.nwk")
	require.False(t, ok)

	_, err = c.GetOrLoad(context.Background(), "/data/a.nwk")
	require.NoError(t, err)
	require.Equal(t, int32(2), loader.loads.Load())
}
