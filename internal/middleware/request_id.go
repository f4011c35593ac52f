package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/better-wallet/walletbridge/internal/logger"
)

const maxRequestIDLen = 64

// RequestID puts a request id in the context and echoes it as X-Request-ID.
// A caller-supplied id is kept only if it is short printable ASCII, since it
// ends up in log lines.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if !usableRequestID(id) {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

func usableRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
