package main

import (
	"net/http"
	"time"
)

// newHTTPServer builds the status API's http.Server with conservative
// timeouts — this surface serves three tiny read-only GETs, never a
// long-lived stream, so there's no reason to leave any of them unbounded.
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
