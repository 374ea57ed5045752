package agent

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-agent/internal/cache/httpcache"
)

// Outcome describes how an intercepted request was answered
type Outcome string

const (
	// OutcomeNetwork: network response returned without touching the cache
	OutcomeNetwork Outcome = "network"
	// OutcomeCacheHit: served from the cache store, no network call
	OutcomeCacheHit Outcome = "cache_hit"
	// OutcomeCacheFill: cache miss, network response returned and stored
	OutcomeCacheFill Outcome = "cache_fill"
	// OutcomeUncached: cache miss, network response returned but not stored
	OutcomeUncached Outcome = "uncached"
	// OutcomeFallback: network unreachable, synthesized offline response
	OutcomeFallback Outcome = "fallback"
)

// StaticStore is the part of a cache store used by the static strategy
type StaticStore interface {
	Match(ctx context.Context, req *http.Request) (*http.Response, error)
	Put(ctx context.Context, req *http.Request, resp *http.Response) error
}

// ResolveAPI is network-first without cache: the network response is returned
// verbatim whatever its status, and a transport failure yields OfflineAPIResponse.
func ResolveAPI(ctx context.Context, req *http.Request, network Fetcher) (*http.Response, Outcome) {
	resp, err := network.Do(outgoingRequest(ctx, req))
	if err != nil {
		logrus.Debugf("Network unreachable for %s %s: %v", req.Method, req.URL, err)
		return OfflineAPIResponse(req), OutcomeFallback
	}
	return resp, OutcomeNetwork
}

// ResolveStatic is cache-first. A hit is returned without any network call.
// On a miss the network response is stored, then returned. A transport failure
// on a miss yields OfflineStaticResponse.
//
// store may be nil when the cache store is unavailable; the request is then
// handled like a miss that cannot be stored. Only GET requests are matched and
// stored, and responses rejected by httpcache.Storable (206, 304, Vary: *) are
// returned without being stored.
func ResolveStatic(ctx context.Context, req *http.Request, network Fetcher, store StaticStore) (*http.Response, Outcome) {
	cacheable := store != nil && req.Method == http.MethodGet

	if cacheable {
		cached, err := store.Match(ctx, req)
		if err != nil {
			logrus.Warnf("Cache lookup failed for %s, treating as miss: %v", req.URL, err)
		} else if cached != nil {
			return cached, OutcomeCacheHit
		}
	}

	out := outgoingRequest(ctx, req)
	if cacheable {
		// Let the transport negotiate compression: entries always hold identity bodies
		out.Header.Del("Accept-Encoding")
	}
	resp, err := network.Do(out)
	if err != nil {
		logrus.Debugf("Network unreachable for %s %s: %v", req.Method, req.URL, err)
		return OfflineStaticResponse(req), OutcomeFallback
	}

	if !cacheable || !httpcache.Storable(resp) {
		return resp, OutcomeUncached
	}

	stored, err := httpcache.Clone(resp)
	if err != nil {
		logrus.Debugf("Reading response body of %s failed: %v", req.URL, err)
		return OfflineStaticResponse(req), OutcomeFallback
	}
	if err := store.Put(ctx, req, stored); err != nil {
		logrus.Warnf("Failed to cache response for %s: %v", req.URL, err)
		return resp, OutcomeUncached
	}

	return resp, OutcomeCacheFill
}
