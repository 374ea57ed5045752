package agent

import (
	"net/http"

	"github.com/elazarl/goproxy"
)

// Bodies of the synthesized offline responses. Clients match on them, keep them byte for byte.
const (
	OfflineAPIBody    = `{"offline": true}`
	OfflineStaticBody = "offline"

	// Same type a browser assigns to a plain string response body
	OfflineStaticContentType = "text/plain;charset=UTF-8"
)

// OfflineAPIResponse is returned for API requests that could not reach the network.
// 202 tells the caller the request was accepted but not executed.
func OfflineAPIResponse(req *http.Request) *http.Response {
	return newResponse(req, "application/json", http.StatusAccepted, OfflineAPIBody)
}

// OfflineStaticResponse is returned for static requests with neither a cache entry nor network
func OfflineStaticResponse(req *http.Request) *http.Response {
	return newResponse(req, OfflineStaticContentType, http.StatusOK, OfflineStaticBody)
}

func newResponse(req *http.Request, contentType string, status int, body string) *http.Response {
	resp := goproxy.NewResponse(req, contentType, status, body)
	resp.Status = http.StatusText(status)
	resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
	resp.TransferEncoding = nil
	return resp
}
