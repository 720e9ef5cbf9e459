// Package graceful runs an http.Server for the lifetime of a context.
package graceful

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// DefaultShutdownTimeout bounds how long Serve waits for in-flight
// requests once its context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Serve serves srv on ln until ctx is cancelled, then shuts srv down,
// waiting at most timeout (DefaultShutdownTimeout if zero) for active
// requests. It returns nil after a shutdown triggered by ctx and the
// server's error otherwise.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if ctx.Err() != nil {
		<-shutdownDone
	}
	return nil
}
