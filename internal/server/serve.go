package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Serve listens on srv.Addr and serves until ctx is done, then shuts the
// server down. It returns once the listener is bound or binding failed, so
// callers learn about port conflicts synchronously; the returned channel
// yields the serve error (nil after a clean shutdown). A non-nil
// srv.TLSConfig serves HTTPS using its certificate callbacks.
func Serve(ctx context.Context, srv *http.Server, logger *slog.Logger) (<-chan error, error) {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, err
	}
	secure := srv.TLSConfig != nil
	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", secure)

	done := make(chan error, 1)
	go func() {
		var err error
		if secure {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("http server shutdown", "addr", srv.Addr, "error", err)
			_ = srv.Close()
		}
	}()
	return done, nil
}
