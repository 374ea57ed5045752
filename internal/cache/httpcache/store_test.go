package httpcache

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/offline-agent/internal/cache"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	backend := cache.NewGenericDisk(t.TempDir())
	require.NoError(t, backend.Init())
	return NewStorage(backend, NewKeyer(nil))
}

func jsonResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestHTTPCacheGetAndSet(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)

	store, err := storage.Open(ctx, "app-static-v1")
	require.NoError(t, err)

	req, err := http.NewRequest("GET", "https://example.com/app.js", nil)
	require.NoError(t, err)

	testData := "test response data"
	resp := jsonResponse(testData)

	require.NoError(t, store.Put(ctx, req, resp))

	// The stored response stays readable for the caller
	original, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, testData, string(original))

	cachedResp, err := store.Match(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, cachedResp, "Match() returned nil response, want cached response")

	cachedData, err := io.ReadAll(cachedResp.Body)
	require.NoError(t, err)
	assert.Equal(t, testData, string(cachedData))
	assert.Equal(t, "application/json", cachedResp.Header.Get("Content-Type"))
	assert.Equal(t, http.StatusOK, cachedResp.StatusCode)
	assert.Same(t, req, cachedResp.Request)
}

func TestHTTPCacheMatchMiss(t *testing.T) {
	ctx := context.Background()
	store, err := newTestStorage(t).Open(ctx, "app-static-v1")
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "https://example.com/missing", nil)
	resp, err := store.Match(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestHTTPCachePreservesNonOKStatus(t *testing.T) {
	ctx := context.Background()
	store, err := newTestStorage(t).Open(ctx, "app-static-v1")
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "https://example.com/gone", nil)
	resp := &http.Response{
		StatusCode: http.StatusNotFound,
		Header:     http.Header{"X-Upstream": []string{"yes"}},
		Body:       io.NopCloser(strings.NewReader("not here")),
	}
	require.NoError(t, store.Put(ctx, req, resp))

	cached, err := store.Match(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, http.StatusNotFound, cached.StatusCode)
	assert.Equal(t, "yes", cached.Header.Get("X-Upstream"))
}

func TestStoresAreIsolated(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)

	v1, err := storage.Open(ctx, "app-static-v1")
	require.NoError(t, err)
	v2, err := storage.Open(ctx, "app-static-v2")
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "https://example.com/", nil)
	require.NoError(t, v1.Put(ctx, req, jsonResponse("old")))

	resp, err := v2.Match(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, resp, "entries of v1 must not be visible in v2")

	keys, err := v1.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	keys, err = v2.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStorageLifecycle(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)

	_, err := storage.Lookup(ctx, "app-static-v1")
	assert.ErrorIs(t, err, ErrStoreNotFound)

	_, err = storage.Open(ctx, "app-static-v1")
	require.NoError(t, err)
	_, err = storage.Open(ctx, "app-static-v2")
	require.NoError(t, err)

	ok, err := storage.Has(ctx, "app-static-v1")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-static-v1", "app-static-v2"}, names)

	deleted, err := storage.Delete(ctx, "app-static-v1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = storage.Delete(ctx, "app-static-v1")
	require.NoError(t, err)
	assert.False(t, deleted)

	names, err = storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-static-v2"}, names)
}

func TestOpenRejectsReservedNames(t *testing.T) {
	storage := newTestStorage(t)
	for _, name := range []string{"", "_agent", ".hidden", "a/b"} {
		_, err := storage.Open(context.Background(), name)
		assert.ErrorIs(t, err, ErrInvalidStoreName, "name %q", name)
	}
}

func TestStoreHonoursCancelledContext(t *testing.T) {
	storage := newTestStorage(t)
	store, err := storage.Open(context.Background(), "app-static-v1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req, _ := http.NewRequest("GET", "https://example.com/", nil)
	_, err = store.Match(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, store.Put(ctx, req, jsonResponse("x")), context.Canceled)
}

func varyResponse(body, vary string) *http.Response {
	resp := jsonResponse(body)
	resp.Header.Set("Vary", vary)
	return resp
}

func TestStoreHonoursVary(t *testing.T) {
	ctx := context.Background()
	store, err := newTestStorage(t).Open(ctx, "app-static-v1")
	require.NoError(t, err)

	english, _ := http.NewRequest("GET", "https://example.com/", nil)
	english.Header.Set("Accept-Language", "en")
	french, _ := http.NewRequest("GET", "https://example.com/", nil)
	french.Header.Set("Accept-Language", "fr")

	require.NoError(t, store.Put(ctx, english, varyResponse("hello", "accept-language")))

	resp, err := store.Match(ctx, french)
	require.NoError(t, err)
	assert.Nil(t, resp, "a request with another language must not get the english entry")

	require.NoError(t, store.Put(ctx, french, varyResponse("bonjour", "Accept-Language")))

	for req, want := range map[*http.Request]string{english: "hello", french: "bonjour"} {
		resp, err := store.Match(ctx, req)
		require.NoError(t, err)
		require.NotNil(t, resp)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, want, string(body))
	}

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2, "the vary index is not an entry")

	require.NoError(t, store.Delete(ctx, french))
	resp, err = store.Match(ctx, french)
	require.NoError(t, err)
	assert.Nil(t, resp)
	resp, err = store.Match(ctx, english)
	require.NoError(t, err)
	assert.NotNil(t, resp)
}

func TestStoreIgnoresVaryOnAcceptEncoding(t *testing.T) {
	ctx := context.Background()
	store, err := newTestStorage(t).Open(ctx, "app-static-v1")
	require.NoError(t, err)

	filled, _ := http.NewRequest("GET", "https://example.com/app.js", nil)
	require.NoError(t, store.Put(ctx, filled, varyResponse("js", "Accept-Encoding")))

	browser, _ := http.NewRequest("GET", "https://example.com/app.js", nil)
	browser.Header.Set("Accept-Encoding", "gzip, deflate, br")
	resp, err := store.Match(ctx, browser)
	require.NoError(t, err)
	assert.NotNil(t, resp)
}

func TestStoreRejectsUnstorableResponses(t *testing.T) {
	ctx := context.Background()
	store, err := newTestStorage(t).Open(ctx, "app-static-v1")
	require.NoError(t, err)
	req, _ := http.NewRequest("GET", "https://example.com/", nil)

	partial := jsonResponse("ab")
	partial.StatusCode = http.StatusPartialContent
	notModified := jsonResponse("")
	notModified.StatusCode = http.StatusNotModified

	for _, resp := range []*http.Response{partial, notModified, varyResponse("x", "*")} {
		assert.False(t, Storable(resp))
		assert.ErrorIs(t, store.Put(ctx, req, resp), ErrNotStorable)
	}

	resp, err := store.Match(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestVaryHeaders(t *testing.T) {
	resp := jsonResponse("")
	resp.Header.Add("Vary", "accept-language, Accept-Encoding")
	resp.Header.Add("Vary", "Cookie,accept-language")

	names, all := VaryHeaders(resp)
	assert.False(t, all)
	assert.Equal(t, []string{"Accept-Language", "Cookie"}, names)

	_, all = VaryHeaders(varyResponse("", "Cookie, *"))
	assert.True(t, all)
}
