package httpcache

import (
	"net/http"
	"net/textproto"
	"slices"
	"strings"
)

const varyIndexSuffix = ".vary"

// Accept-Encoding never splits entries: cached resources are fetched without
// it, so the transport negotiates compression and stores identity bodies.
var varyIgnored = map[string]bool{
	"Accept-Encoding": true,
}

// VaryHeaders returns the sorted request header names resp varies on.
// all is true when resp varies on "*".
func VaryHeaders(resp *http.Response) (names []string, all bool) {
	for _, value := range resp.Header.Values("Vary") {
		for _, name := range strings.Split(value, ",") {
			name = strings.TrimSpace(name)
			switch {
			case name == "":
			case name == "*":
				return nil, true
			default:
				name = textproto.CanonicalMIMEHeaderKey(name)
				if !varyIgnored[name] && !slices.Contains(names, name) {
					names = append(names, name)
				}
			}
		}
	}
	slices.Sort(names)
	return names, false
}

// Storable reports whether resp can be kept as a cache entry.
// Partial and not-modified responses only make sense to the request that got them.
func Storable(resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusNotModified:
		return false
	}
	_, all := VaryHeaders(resp)
	return !all
}

func varyIndexKey(entryKey string) string {
	return strings.TrimSuffix(entryKey, ".bin") + varyIndexSuffix
}

// variantKey extends entryKey with the values req has for names
func variantKey(entryKey string, names []string, req *http.Request) string {
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.Join(req.Header.Values(name), ","))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(entryKey, ".bin") + "_v" + shortHash(b.String()) + ".bin"
}

func parseVaryIndex(data []byte) []string {
	return strings.Fields(string(data))
}
