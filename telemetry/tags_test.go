package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/trees/0", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsCacheResultToBypass(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
	require.Empty(t, tags.Route)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
	require.Nil(t, TagsFromContext(context.Background()))
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetRoute(r, "trees")
	SetEndpoint(r, "ancestors")
	SetSessionID(r, "s1")
	MarkCacheResult(r.Context(), CacheHit)
}

func TestMarkCacheResult_MissIsSticky(t *testing.T) {
	r := newTaggedRequest()

	MarkCacheResult(r.Context(), CacheHit)
	require.Equal(t, CacheHit, GetTags(r).CacheResult)

	MarkCacheResult(r.Context(), CacheMiss)
	MarkCacheResult(r.Context(), CacheHit)
	require.Equal(t, CacheMiss, GetTags(r).CacheResult)

	MarkCacheResult(r.Context(), CacheStale)
	require.Equal(t, CacheStale, GetTags(r).CacheResult)
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetRoute(r, "trees")
	MarkCacheResult(r.Context(), CacheHit)
	SetEndpoint(r, "mrca")
	SetSessionID(r, "session-1")

	require.Equal(t, "trees", tags.Route)
	require.Equal(t, CacheHit, tags.CacheResult)
	require.Equal(t, "mrca", tags.Endpoint)
	require.Equal(t, "session-1", tags.SessionID)
}
