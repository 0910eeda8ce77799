package http

import (
	"net/http"
	"time"
)

// Start runs a node's RPC server until it exits or fails. The timeouts
// match the coordinator's own per-call deadline budget (protocol §5) with
// headroom for journal fsync latency on the commit/rollback path.
func Start(addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
