package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
)

// diagnostics serves /healthz, /readyz and /metrics for the running client.
type diagnostics struct {
	srv *http.Server
	ln  net.Listener
}

// newDiagnostics binds addr immediately so that a port conflict fails
// startup rather than surfacing later.
func newDiagnostics(addr string, m *observe.Metrics, metrics http.Handler, checkers ...health.Checker) (*diagnostics, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("app: listen diagnostics on %q: %w", addr, err)
	}
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", metrics)

	return &diagnostics{
		ln: ln,
		srv: &http.Server{
			Handler:           observe.Middleware(m)(mux),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Addr returns the bound listen address.
func (d *diagnostics) Addr() string { return d.ln.Addr().String() }

// Run serves until ctx is cancelled, then shuts the server down gracefully.
func (d *diagnostics) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("diagnostics server listening", "addr", d.Addr())
		errCh <- d.srv.Serve(d.ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: diagnostics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("diagnostics server shutdown", "err", err)
	}
	<-errCh
	return nil
}
