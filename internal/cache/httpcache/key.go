package httpcache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Keyer normalizes requests into cache keys
type Keyer struct {
	headers []string
}

// NewKeyer creates a Keyer that also takes the given request headers into account.
// With no headers, two requests share an entry when method and URL match.
func NewKeyer(headers []string) Keyer {
	normalized := make([]string, 0, len(headers))
	for _, h := range headers {
		h = strings.TrimSpace(h)
		if h != "" {
			normalized = append(normalized, http.CanonicalHeaderKey(h))
		}
	}
	return Keyer{headers: normalized}
}

// GenerateKey generates a unique key to store a value, based on method, URL and selected headers.
// Layout: scheme/host/path/#METHOD[_q<queryhash>][_h<headershash>].bin
func (k Keyer) GenerateKey(request *http.Request) (string, error) {
	if request == nil || request.URL == nil {
		return "", ErrInvalidRequest
	}

	scheme := strings.ToLower(request.URL.Scheme)
	if scheme == "" {
		scheme = "http"
		if request.TLS != nil {
			scheme = "https"
		}
	}

	host := request.URL.Host
	if host == "" {
		host = request.Host
	}
	host = normalizeHost(scheme, host)
	if host == "" {
		return "", ErrInvalidRequest
	}

	pathParts := []string{scheme, url.PathEscape(host)}
	cleanPath := path.Clean("/" + request.URL.Path)
	for _, segment := range strings.Split(strings.Trim(cleanPath, "/"), "/") {
		if segment != "" {
			pathParts = append(pathParts, url.PathEscape(segment))
		}
	}

	filename := "#" + strings.ToUpper(request.Method)
	if request.Method == "" {
		filename = "#" + http.MethodGet
	}
	if request.URL.RawQuery != "" {
		filename += "_q" + shortHash(request.URL.RawQuery)
	}
	if headersStr := k.headerString(request); headersStr != "" {
		filename += "_h" + shortHash(headersStr)
	}
	filename += ".bin"

	pathParts = append(pathParts, filename)
	return strings.Join(pathParts, "/"), nil
}

func (k Keyer) headerString(request *http.Request) string {
	var b strings.Builder
	for _, name := range k.headers {
		values := request.Header.Values(name)
		if name == "Host" && len(values) == 0 && request.Host != "" {
			values = []string{request.Host}
		}
		if len(values) == 0 {
			continue
		}
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.Join(values, ","))
		b.WriteString("\n")
	}
	return b.String()
}

func normalizeHost(scheme, host string) string {
	host = strings.ToLower(host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	return host
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}
