package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireToken guards the trusted UI surface with a static bearer token.
// An empty token disables the check (loopback-only deployments).
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"Missing or invalid UI token"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
