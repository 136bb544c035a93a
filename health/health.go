package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"sunsetsmail/internal/metrics"
)

// PingFunc checks a dependency the worker cannot run without.
type PingFunc func(ctx context.Context) error

// StartHealthServer serves /healthz and /metrics on addr. /healthz reports
// 503 while ping fails. A nil ping always reports healthy.
func StartHealthServer(addr string, ping PingFunc) (*http.Server, net.Listener, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				http.Error(w, fmt.Sprintf("queue store unavailable: %v", err), http.StatusServiceUnavailable)
				return
			}
		}
		fmt.Fprint(w, "OK")
	})
	mux.Handle("/metrics", metrics.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("health listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
		}
	}()
	return srv, ln, nil
}
