package proxy

import (
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

// handleOriginRequest serves requests addressed to the proxy itself, as opposed
// to proxied requests: they are treated as requests for the application origin.
func (s *Server) handleOriginRequest(w http.ResponseWriter, requ *http.Request) {
	resp := s.controller.Intercept(originRequest(requ, s.origin.Scheme, s.origin.Host))
	writeResponse(w, resp)
}

// originRequest rewrites a request received by the listener into an absolute
// request for scheme://host, keeping path and query
func originRequest(requ *http.Request, scheme, host string) *http.Request {
	out := requ.Clone(requ.Context())
	target := *requ.URL
	target.Scheme = scheme
	target.Host = host
	out.URL = &target
	out.Host = host
	return out
}

func writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		logrus.Errorf("Failed to write response body: %v", err)
	}
}
