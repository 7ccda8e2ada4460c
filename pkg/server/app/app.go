// Package app owns the HTTP server lifecycle: listener setup, readiness
// flipping and graceful shutdown. Engine lifecycle is the caller's
// concern; the app only serves it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/codelens/codelens/pkg/server"
	"github.com/codelens/codelens/pkg/server/api"
	"github.com/codelens/codelens/pkg/server/httpx"
)

// App is a configured API server ready to run.
type App struct {
	cfg    server.Config
	deps   *api.Deps
	srv    *http.Server
	logger zerolog.Logger
}

// New builds the server from its configuration and handler dependencies.
func New(ctx context.Context, cfg server.Config, deps *api.Deps, logger zerolog.Logger) (*App, error) {
	if deps == nil {
		return nil, fmt.Errorf("server app: nil deps")
	}
	if deps.Ready == nil {
		return nil, fmt.Errorf("server app: nil ready flag")
	}

	addr := net.JoinHostPort(cfg.Addr, strconv.Itoa(cfg.Port))
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpx.NewRouter(cfg, deps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return &App{
		cfg:    cfg,
		deps:   deps,
		srv:    srv,
		logger: logger.With().Str("component", "server.app").Logger(),
	}, nil
}

// Addr is the configured listen address.
func (a *App) Addr() string { return a.srv.Addr }

// Run serves until ctx is cancelled, then drains in-flight requests within
// the configured shutdown timeout. The readiness flag flips true once the
// listener is bound and false as soon as shutdown begins.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.srv.Addr, err)
	}

	a.deps.Ready.Store(true)
	a.logger.Info().Str("addr", ln.Addr().String()).Msg("API server listening")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		a.deps.Ready.Store(false)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.deps.Ready.Store(false)
	a.logger.Info().Dur("timeout", a.cfg.ShutdownTimeout).Msg("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		// Deadline hit: force-close remaining connections.
		a.srv.Close()
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	<-serveErr
	return nil
}
