package httpserver

import (
	"net/http"
	"time"
)

// New builds the API server. Per-request deadlines come from the timeout
// middleware; the header timeout here only guards against slow-loris clients.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
