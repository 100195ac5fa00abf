package httpserver

import (
	"net/http"
	"time"
)

// New builds the HTTP server for the replicator's admin and metrics surface.
// Requests here are small (a key rotation PEM at most) and responses top out
// at a metrics scrape, so the timeouts are tight.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
