package lru

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_InvalidCapacity(t *testing.T) {
	_, err := New[string, int](0, nil)
	require.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = NewValidated[string, int, int64](-1, nil)
	require.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestStore_HoldsMostRecentKeys(t *testing.T) {
	s, err := New[int, string](3, nil)
	require.NoError(t, err)

	for i := range 10 {
		s.Set(i, fmt.Sprintf("v%d", i))
		require.LessOrEqual(t, s.Len(), 3)
	}

	require.Equal(t, []int{7, 8, 9}, s.Keys())
}

func TestStore_GetPromotesAndKeepsSize(t *testing.T) {
	s, err := New[string, int](2, nil)
	require.NoError(t, err)

	s.Set("a", 1)
	s.Set("b", 2)

	v, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, 2, s.Len())

	_, ok = s.Get("missing")
	require.False(t, ok)
	require.Equal(t, 2, s.Len())

	// "b" is now least recently used.
	s.Set("c", 3)
	require.Equal(t, []string{"a", "c"}, s.Keys())
}

func TestStore_PeekDoesNotPromote(t *testing.T) {
	s, err := New[string, int](2, nil)
	require.NoError(t, err)

	s.Set("a", 1)
	s.Set("b", 2)

	v, ok := s.Peek("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	s.Set("c", 3)
	require.Equal(t, []string{"b", "c"}, s.Keys())
}

func TestStore_SetExistingReplacesWithoutEviction(t *testing.T) {
	var evicted []string
	s, err := New[string, int](2, func(k string, _ int) { evicted = append(evicted, k) })
	require.NoError(t, err)

	s.Set("a", 1)
	s.Set("b", 2)
	require.False(t, s.Set("a", 10))

	v, _ := s.Get("a")
	require.Equal(t, 10, v)
	require.Empty(t, evicted)
	require.Equal(t, []string{"b", "a"}, s.Keys())
}

func TestStore_EvictFuncOnlyOnCapacity(t *testing.T) {
	var evicted []string
	s, err := New[string, int](2, func(k string, _ int) { evicted = append(evicted, k) })
	require.NoError(t, err)

	s.Set("a", 1)
	s.Set("b", 2)
	require.True(t, s.Remove("a"))
	require.False(t, s.Remove("a"))
	s.Clear()
	require.Empty(t, evicted)
	require.Equal(t, 0, s.Len())

	s.Set("x", 1)
	s.Set("y", 2)
	require.True(t, s.Set("z", 3))
	require.Equal(t, []string{"x"}, evicted)
}

func TestStore_EvictFuncMayReenter(t *testing.T) {
	var s *Store[string, int]
	var seen int
	s, err := New[string, int](1, func(_ string, _ int) { seen = s.Len() })
	require.NoError(t, err)

	s.Set("a", 1)
	s.Set("b", 2)
	require.Equal(t, 1, seen)
}

func TestStore_RemoveIf(t *testing.T) {
	s, err := New[string, int](2, nil)
	require.NoError(t, err)

	s.Set("a", 1)
	require.False(t, s.RemoveIf("a", func(v int) bool { return v > 1 }))
	require.True(t, s.Contains("a"))
	require.True(t, s.RemoveIf("a", func(v int) bool { return v == 1 }))
	require.False(t, s.Contains("a"))
	require.False(t, s.RemoveIf("missing", func(int) bool { return true }))
}

func TestStore_ConcurrentNeverExceedsCapacity(t *testing.T) {
	const capacity = 8
	s, err := New[int, int](capacity, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := range 16 {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := range 500 {
				s.Set(base*1000+i, i)
				s.Get(base*1000 + i/2)
				if s.Len() > capacity {
					t.Errorf("len %d exceeds capacity", s.Len())
				}
			}
		}(g)
	}
	wg.Wait()

	require.Equal(t, capacity, s.Len())
}
