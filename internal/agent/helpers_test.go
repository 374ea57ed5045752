package agent

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iTrooz/offline-agent/internal/cache"
	"github.com/iTrooz/offline-agent/internal/cache/httpcache"
)

var errOffline = errors.New("dial tcp: connect: network is unreachable")

// fakeNetwork answers from a path -> body table and counts calls
type fakeNetwork struct {
	mu      sync.Mutex
	offline bool
	status  map[string]int
	bodies  map[string]string
	calls   atomic.Int32
	// gate, when set, blocks every call until closed
	gate chan struct{}
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{status: map[string]int{}, bodies: map[string]string{}}
}

func (f *fakeNetwork) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeNetwork) serve(path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[path] = status
	f.bodies[path] = body
}

func (f *fakeNetwork) Do(req *http.Request) (*http.Response, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if req.RequestURI != "" {
		return nil, errors.New("http: Request.RequestURI can't be set in client requests")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, errOffline
	}
	status, ok := f.status[req.URL.Path]
	if !ok {
		status = http.StatusNotFound
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       io.NopCloser(strings.NewReader(f.bodies[req.URL.Path])),
		Request:    req,
	}, nil
}

type fixture struct {
	backend cache.GenericCache
	storage *httpcache.Storage
	state   *StateStore
	network *fakeNetwork
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := cache.NewGenericDisk(t.TempDir())
	require.NoError(t, backend.Init())
	network := newFakeNetwork()
	network.serve("/", http.StatusOK, "<html>shell</html>")
	network.serve("/manifest.webmanifest", http.StatusOK, `{"name":"app"}`)
	return &fixture{
		backend: backend,
		storage: httpcache.NewStorage(backend, httpcache.NewKeyer(nil)),
		state:   NewStateStore(backend),
		network: network,
	}
}

func (f *fixture) agent(t *testing.T, storeName string, mutate ...func(*Options)) *Agent {
	t.Helper()
	origin, _ := url.Parse("http://app.local:8000")
	opts := Options{
		StoreName: storeName,
		Storage:   f.storage,
		State:     f.state,
		Network:   f.network,
		Origin:    origin,
		SeedPaths: []string{"/", "/manifest.webmanifest"},
		APIPrefix: "/api/",
		Keyer:     httpcache.NewKeyer(nil),
	}
	for _, m := range mutate {
		m(&opts)
	}
	a, err := New(opts)
	require.NoError(t, err)
	return a
}

func (f *fixture) entries(t *testing.T, storeName string) []string {
	t.Helper()
	store, err := f.storage.Lookup(t.Context(), storeName)
	if errors.Is(err, httpcache.ErrStoreNotFound) {
		return nil
	}
	require.NoError(t, err)
	keys, err := store.Keys(t.Context())
	require.NoError(t, err)
	return keys
}

func (f *fixture) names(t *testing.T) []string {
	t.Helper()
	names, err := f.storage.Names(t.Context())
	require.NoError(t, err)
	return names
}

// proxyRequest builds a request the way the proxy server receives it
func proxyRequest(method, target string) *http.Request {
	req, _ := http.NewRequest(method, target, nil)
	req.RequestURI = target
	req.Header.Set("Proxy-Connection", "keep-alive")
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return string(body)
}
