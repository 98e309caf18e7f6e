package lru

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidated_GetWithMeta(t *testing.T) {
	s, err := NewValidated[string, string, int64](2, nil)
	require.NoError(t, err)

	s.Set("/data/a.nwk", "ctx-a", 100)

	v, token, ok := s.GetWithMeta("/data/a.nwk")
	require.True(t, ok)
	require.Equal(t, "ctx-a", v)
	require.Equal(t, int64(100), token)

	v, ok = s.Get("/data/a.nwk")
	require.True(t, ok)
	require.Equal(t, "ctx-a", v)
}

func TestValidated_GetValidMismatchEvicts(t *testing.T) {
	s, err := NewValidated[string, string, int64](2, nil)
	require.NoError(t, err)

	s.Set("k", "old", 1)

	v, ok := s.GetValid("k", 1)
	require.True(t, ok)
	require.Equal(t, "old", v)

	_, ok = s.GetValid("k", 2)
	require.False(t, ok)
	require.Equal(t, 0, s.Len())

	_, ok = s.GetValid("missing", 2)
	require.False(t, ok)
}

func TestValidated_EvictFuncReceivesValue(t *testing.T) {
	var evicted []string
	s, err := NewValidated[string, string, int](1, func(_ string, v string) {
		evicted = append(evicted, v)
	})
	require.NoError(t, err)

	s.Set("a", "va", 1)
	s.Set("b", "vb", 1)
	s.Remove("b")
	s.Clear()

	require.Equal(t, []string{"va"}, evicted)
	require.Empty(t, s.Keys())
}
