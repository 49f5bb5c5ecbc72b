// Package server runs the pipeline behind an HTTP listener with graceful
// shutdown.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/G1D0/http-pipeline/internal/observe"
)

// Server wraps http.Server with graceful shutdown support.
type Server struct {
	httpServer   *http.Server
	drainTimeout time.Duration
	logger       *slog.Logger
	closers      []io.Closer // background resources to close on shutdown
}

// Config holds server configuration.
type Config struct {
	Addr         string // listen address, e.g. ":8080"
	Handler      http.Handler
	DrainTimeout time.Duration // max time to wait for in-flight requests
	Logger       *slog.Logger
}

// New creates a server with graceful shutdown support.
func New(cfg Config) *Server {
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           cfg.Handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		drainTimeout: cfg.DrainTimeout,
		logger:       cfg.Logger,
	}
}

// RegisterCloser adds a resource to be closed during shutdown, such as a
// config watcher or the active pipeline.
func (s *Server) RegisterCloser(c io.Closer) {
	s.closers = append(s.closers, c)
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down:
//  1. Stop accepting new connections
//  2. Wait for in-flight requests to finish (up to the drain timeout)
//  3. Close registered background resources
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.closeResources()
		return err
	case <-ctx.Done():
		s.logger.Info("shutdown requested", "reason", context.Cause(ctx).Error())
	}

	s.logger.Info("draining connections", "timeout", s.drainTimeout.String())

	drainCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(drainCtx); err != nil {
		s.logger.Error("shutdown error, forcing close", "error", err)
		s.httpServer.Close()
	}

	s.closeResources()
	s.logger.Info("shutdown complete")
	return nil
}

func (s *Server) closeResources() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Warn("error closing resource", "error", err)
		}
	}
}

// NewMux routes /healthz and, when g is non-nil, /metrics to the server
// itself and everything else to the pipeline.
func NewMux(pipeline http.Handler, g prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"ok"}`)
	})
	if g != nil {
		r.Handle("/metrics", observe.Handler(g))
	}
	r.Handle("/*", pipeline)

	return r
}
