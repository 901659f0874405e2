// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpserver provides a graceful-shutdown wrapper around the
// standard library's http.Server: it signals readiness once the
// listener is bound, exposes the resolved address, and on context
// cancellation stops accepting new connections while giving in-flight
// requests (including open SSE streams) a bounded grace period to
// finish.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server wraps http.Server with readiness signaling and graceful
// shutdown.
type Server struct {
	address string
	handler http.Handler
	logger  *slog.Logger

	shutdownTimeout time.Duration

	ready chan struct{}
	addr  net.Addr
}

// Config configures New.
type Config struct {
	// Address is the TCP listen address (e.g. ":8080"). Required.
	Address string

	// Handler serves incoming requests. Required.
	Handler http.Handler

	// ShutdownTimeout bounds how long Serve waits for in-flight
	// requests to drain after ctx is cancelled. Defaults to 60
	// seconds if zero — long enough for an SSE stream reader to
	// notice the connection is closing.
	ShutdownTimeout time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// New creates a Server. Panics if a required field is missing —
// these are programmer errors, not runtime conditions.
func New(config Config) *Server {
	if config.Address == "" {
		panic("httpserver.New: Address is required")
	}
	if config.Handler == nil {
		panic("httpserver.New: Handler is required")
	}
	if config.Logger == nil {
		panic("httpserver.New: Logger is required")
	}

	timeout := config.ShutdownTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Server{
		address:         config.Address,
		handler:         config.Handler,
		logger:          config.Logger,
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}
}

// Ready is closed once the listener is bound and the server has
// begun accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready is
// closed; useful when Address used port 0.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Serve binds the listener and blocks until ctx is cancelled, then
// performs a graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("httpserver: listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler: s.handler,

		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// WriteTimeout is intentionally left at zero: SSE streams
		// (/api/stream/jobs, /api/stream/logs) are long-lived
		// responses that would otherwise be cut off mid-stream.
		IdleTimeout: 120 * time.Second,
	}

	s.logger.Info("http server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
	case err := <-serveDone:
		if err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http server shutdown error", "error", err)
		return fmt.Errorf("httpserver: shutdown: %w", err)
	}

	s.logger.Info("http server stopped")
	return nil
}
