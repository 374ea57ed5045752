package agent

import (
	"context"
	"net"
	"net/http"
	"net/textproto"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/iTrooz/offline-agent/internal/cache/httpcache"
)

// Fetcher performs network round trips. *http.Client implements it.
// An error means the round trip did not complete; any status code is a success.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

var defaultTransport = &http.Transport{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewNetwork returns the client used to reach the network.
// Redirects are handed back to the caller instead of being followed, and no
// environment proxy is used so the agent never routes through itself.
func NewNetwork(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// FollowRedirects returns a copy of client that follows up to 10 redirects
// and hands back the final response, as a browser does when it fetches a
// resource to cache
func FollowRedirects(client *http.Client) *http.Client {
	c := *client
	c.CheckRedirect = nil
	return &c
}

// hopByHopHeaders must not be forwarded by proxies (RFC 7230)
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// outgoingRequest turns an intercepted request into one that can be sent to the network
func outgoingRequest(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	out.RequestURI = ""

	for _, value := range out.Header.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Header.Del(textproto.CanonicalMIMEHeaderKey(name))
			}
		}
	}
	for _, name := range hopByHopHeaders {
		out.Header.Del(name)
	}
	return out
}

// uncoalescedHeaders make the response specific to the request carrying them
var uncoalescedHeaders = []string{
	"Range",
	"If-Range",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
}

// coalescingFetcher shares one network round trip between concurrent identical GET requests
type coalescingFetcher struct {
	next  Fetcher
	keyer httpcache.Keyer
	group singleflight.Group
}

// Coalesce wraps next so that concurrent GET requests with the same cache key
// and the same headers issue a single network call. Range and conditional
// requests always get their own call. Each caller receives its own copy of the response.
func Coalesce(next Fetcher, keyer httpcache.Keyer) Fetcher {
	return &coalescingFetcher{next: next, keyer: keyer}
}

func (c *coalescingFetcher) Do(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || hasAnyHeader(req, uncoalescedHeaders) {
		return c.next.Do(req)
	}
	key, err := c.flightKey(req)
	if err != nil {
		return c.next.Do(req)
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// The flight outlives the caller that started it; the transport timeout still applies
		shared := req.WithContext(context.WithoutCancel(req.Context()))
		resp, err := c.next.Do(shared)
		if err != nil {
			return nil, err
		}
		return httpcache.Capture(resp)
	})
	if err != nil {
		return nil, err
	}
	return v.(*httpcache.Captured).Response(req), nil
}

func hasAnyHeader(req *http.Request, names []string) bool {
	return slices.ContainsFunc(names, func(name string) bool {
		return req.Header.Get(name) != ""
	})
}

// flightKey is the cache key followed by every request header, so only
// requests the origin cannot tell apart share a flight
func (c *coalescingFetcher) flightKey(req *http.Request) (string, error) {
	key, err := c.keyer.GenerateKey(req)
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(req.Header))
	for name := range req.Header {
		names = append(names, name)
	}
	slices.Sort(names)

	var b strings.Builder
	b.WriteString(key)
	for _, name := range names {
		b.WriteString("\n")
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.Join(req.Header[name], ","))
	}
	return b.String(), nil
}
