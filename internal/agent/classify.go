package agent

import (
	"net/http"
	"strings"
)

// Class is the policy category of an intercepted request
type Class string

const (
	// ClassAPI requests are network-first and never cached
	ClassAPI Class = "api"
	// ClassStatic requests are cache-first
	ClassStatic Class = "static"
)

// Classify returns ClassAPI when the request path starts with apiPrefix, ClassStatic otherwise
func Classify(r *http.Request, apiPrefix string) Class {
	if apiPrefix != "" && r.URL != nil && strings.HasPrefix(r.URL.Path, apiPrefix) {
		return ClassAPI
	}
	return ClassStatic
}
