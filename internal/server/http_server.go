// Package server constructs and starts the eventcast HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// CreateServer creates and configures an HTTP server with the specified port and handler.
// Streaming handlers lift the write timeout for their own connections.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ListenAndServe starts the hub, binds the configured port and serves until
// Shutdown. It returns nil after a graceful shutdown.
func (s *Server) ListenAndServe() error {
	s.Start()
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active requests.
// It waits for active connections to close or until ctx is done.
func ShutdownServer(ctx context.Context, server *http.Server) error {
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: http shutdown: %w", err)
	}
	return nil
}
