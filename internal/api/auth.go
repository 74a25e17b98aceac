package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth guards the ingest and query surfaces with a single static
// token. Failures come back in the same JSON error envelope as the rest
// of the API, and the comparison is constant time so the token length
// and contents leak nothing through timing.
func BearerAuth(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), expected) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
