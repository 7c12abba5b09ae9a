// Package server runs an HTTP handler until shutdown and drains it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lyzr/mediapipe/common/logger"
)

// Server wraps http.Server with signal handling and graceful shutdown
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
	name       string

	// ShutdownTimeout bounds how long in-flight requests may take to drain
	ShutdownTimeout time.Duration
}

// New creates a server for handler on port. Body timeouts are long because
// synchronous uploads stream large files and wait for the transcode.
func New(name string, port int, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       10 * time.Minute,
			WriteTimeout:      10 * time.Minute,
			IdleTimeout:       60 * time.Second,
		},
		log:             log,
		name:            name,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Start listens on the configured address and serves until ctx is cancelled
// or SIGINT/SIGTERM arrives.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		s.log.Info(s.name+" listening", "addr", ln.Addr().String())
		serveErr <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.log.Info("shutting down", "server", s.name)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(drainCtx); err != nil {
		s.log.Warn("drain timed out, closing connections", "error", err)
		if err := s.httpServer.Close(); err != nil {
			return fmt.Errorf("could not stop server: %w", err)
		}
	}
	s.log.Info("server stopped", "server", s.name)
	return nil
}
