package middleware

import (
	"net/http"
)

// UIBodyLimit caps trusted UI request bodies. Unlock and decision payloads
// are a few hundred bytes.
const UIBodyLimit int64 = 64 << 10

// LimitBody caps request bodies at max bytes; reads past it fail
func LimitBody(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}
