package tests

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/iTrooz/offline-agent/internal/config"
	"github.com/iTrooz/offline-agent/internal/proxy"
)

// upstream is a fake application origin counting the requests it receives
type upstream struct {
	*httptest.Server
	hits atomic.Int32
}

// fixture_upstream creates a test origin serving an app shell, a manifest, static files and an API
func fixture_upstream() *upstream {
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		u.hits.Add(1)
		switch {
		case requ.URL.Path == "/":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>app shell</html>"))
		case requ.URL.Path == "/manifest.webmanifest":
			w.Header().Set("Content-Type", "application/manifest+json")
			_, _ = w.Write([]byte(`{"name": "MarketOps"}`))
		case requ.URL.Path == "/api/fail":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error": "boom"}`))
		case len(requ.URL.Path) >= 5 && requ.URL.Path[:5] == "/api/":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"message": "Hello from upstream", "method": "` + requ.Method + `"}`))
		default:
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("static " + requ.URL.Path))
		}
	}))
	return u
}

// fixture_config creates a test config for the given origin, storing generations in cacheDir
func fixture_config(origin, cacheDir string) *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0 // Will be set by test server
	cfg.Cache.Folder = cacheDir
	cfg.Agent.Origin = origin
	cfg.Agent.InstallRetryInterval = "10ms"
	cfg.Network.Timeout = "2s"
	return cfg
}

// fixture_proxy creates a proxy server with the given config and returns the server, test server, and HTTP client
func fixture_proxy(cfg *config.Config) (*proxy.Server, *httptest.Server, *http.Client, error) {
	proxyServer, err := proxy.New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(proxyServer.GetProxy())

	// Create HTTP client that uses our proxy
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}

	return proxyServer, proxyTestServer, client, nil
}
