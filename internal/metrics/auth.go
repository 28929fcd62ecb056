package metrics

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth returns a chi-compatible middleware that validates a Bearer
// token using constant-time comparison. Requests without a token receive 401
// and requests with a wrong one 403.
func BearerAuth(token string) func(http.Handler) http.Handler {
	tokenBytes := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="hookproxy-admin"`)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
				return
			}
			if subtle.ConstantTimeCompare([]byte(provided), tokenBytes) != 1 {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
