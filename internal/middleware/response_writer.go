package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

// StatusRecorder remembers the status written through it for request logs.
// Only the first WriteHeader counts.
type StatusRecorder struct {
	http.ResponseWriter
	StatusCode int
	written    bool
}

func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (r *StatusRecorder) WriteHeader(code int) {
	if r.written {
		return
	}
	r.StatusCode, r.written = code, true
	r.ResponseWriter.WriteHeader(code)
}

func (r *StatusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// Hijack hands the connection to the websocket upgrader. The recorded
// status becomes 101.
func (r *StatusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.StatusCode, r.written = http.StatusSwitchingProtocols, true
	return h.Hijack()
}
