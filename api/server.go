// Package api exposes the turn orchestrator over HTTP.
//
// Endpoints:
//
//	POST /api/invoke         - run a turn, return the full thread snapshot
//	POST /api/invoke/last    - run a turn, return only the assistant message
//	POST /api/invoke/stream  - run a turn, stream progress as SSE
//	GET  /api/threads        - list threads for an owner
//	GET  /api/threads/{id}   - fetch one thread with its turns
//	DELETE /api/threads/{id} - delete a thread
//	GET  /health             - liveness probe
//	GET  /ready              - readiness probe
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:3400"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout bounds header reads to keep slow clients from
	// pinning connections.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout is the maximum duration for writing the response. Long
	// because turns can spend minutes in the tool loop.
	WriteTimeout = 5 * time.Minute

	// IdleTimeout is the keep-alive idle limit.
	IdleTimeout = 120 * time.Second
)

// Server is the HTTP server for the invoke API.
type Server struct {
	mux    *http.ServeMux
	logger *slog.Logger

	health  *HealthHandler
	invoke  *InvokeHandler
	threads *ThreadHandler
}

// NewServer creates a server with all routes registered. defaultSchema is
// the schema bound to new threads whose request omits database_schema; empty
// means the request must carry one.
func NewServer(invoker Invoker, store ThreadStore, pool *pgxpool.Pool, defaultSchema string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		mux:     mux,
		logger:  logger,
		health:  NewHealthHandler(pool, logger),
		invoke:  NewInvokeHandler(invoker, store, defaultSchema, logger),
		threads: NewThreadHandler(store, logger),
	}
	s.health.RegisterRoutes(mux)
	s.invoke.RegisterRoutes(mux)
	s.threads.RegisterRoutes(mux)
	return s
}

// Handler returns the HTTP handler with middleware applied.
// Middleware order: recovery, then logging, then routes.
func (s *Server) Handler() http.Handler {
	return chain(s.mux, recoveryMiddleware(s.logger), loggingMiddleware(s.logger))
}

// Run starts the server and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
