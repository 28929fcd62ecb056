package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"slices"
	"strings"
)

// varyHeaders are the request headers that select between representations
// of the same resource.
var varyHeaders = []string{"Accept", "Accept-Encoding", "Accept-Language"}

// Key computes a deterministic SHA-256 cache key from the request method,
// absolute URL and the representation-selecting headers. The key is
// hex-encoded.
func Key(req *http.Request) string {
	h := sha256.New()

	h.Write([]byte(req.Method))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(req.URL.Scheme)))
	h.Write([]byte("://"))
	h.Write([]byte(strings.ToLower(req.URL.Host)))
	h.Write([]byte(req.URL.EscapedPath()))
	h.Write([]byte{'?'})
	h.Write([]byte(req.URL.RawQuery))
	h.Write([]byte{0})

	for _, name := range varyHeaders {
		h.Write([]byte(name))
		h.Write([]byte{':'})
		h.Write([]byte(strings.Join(req.Header.Values(name), ",")))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}

// keyCoversVary reports whether every header named by the response's Vary
// is one Key already hashes. "Vary: *" never matches.
func keyCoversVary(h http.Header) bool {
	for _, line := range h.Values("Vary") {
		for _, name := range strings.Split(line, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if !slices.ContainsFunc(varyHeaders, func(v string) bool { return strings.EqualFold(v, name) }) {
				return false
			}
		}
	}
	return true
}

// IsCacheableRequest reports whether a response to req may be served from
// or stored in a shared cache.
func IsCacheableRequest(req *http.Request) bool {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	if req.Header.Get("Authorization") != "" || req.Header.Get("Range") != "" {
		return false
	}
	cc := parseCacheControl(req.Header)
	_, noStore := cc["no-store"]
	_, noCache := cc["no-cache"]
	return !noStore && !noCache
}

// parseCacheControl splits the Cache-Control directives of h into a map of
// lower-case names to (possibly empty) values.
func parseCacheControl(h http.Header) map[string]string {
	directives := make(map[string]string)
	for _, line := range h.Values("Cache-Control") {
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, value, _ := strings.Cut(part, "=")
			directives[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(value), `"`)
		}
	}
	return directives
}
