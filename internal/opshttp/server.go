// Package opshttp serves the admin listener: metrics, health probes,
// pprof and limiter administration. Every route is restricted to private
// peers that did not come through a proxy.
package opshttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/admissiond/internal/health"
	"github.com/keithlinneman/admissiond/internal/httpmw"
	"github.com/keithlinneman/admissiond/internal/log"
	"github.com/keithlinneman/admissiond/internal/xerrors"
)

const DefaultPort = 9000

// NewHandler builds the admin router.
func NewHandler(L log.Logger, opts Options) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	r := chi.NewRouter()
	r.Use(httpmw.PrivateOnly, httpmw.Recover(L, opts.OnPanic))

	health.RegisterRoutes(r, opts.Health, opts.Readiness)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	if opts.EnablePprof {
		RegisterPprof(r)
	}
	if len(opts.Limiters) > 0 {
		(&limiterAdmin{limiters: opts.Limiters, logger: L}).routes(r)
	}
	return r
}

// Start listens on opts.Port and serves NewHandler in the background. The
// returned stop drains the server; calling it again is a no-op.
func Start(ctx context.Context, L log.Logger, opts Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// pprof profiles run for up to 30s by default
		WriteTimeout:   45 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 64 << 10,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on admin addr %s", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", ln.Addr().String(), "pprof", opts.EnablePprof)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (err error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			err = srv.Shutdown(c)
		})
		return err
	}
	return stop, nil
}
