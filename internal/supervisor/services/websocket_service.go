// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package services

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SocketServer matches *websocket.Server's shutdown.
type SocketServer interface {
	Shutdown(ctx context.Context) error
}

// WebSocketService owns the lifetime of the websocket sockets.
//
// http.Server.Shutdown does not touch hijacked connections, so the sockets
// are closed explicitly on shutdown. When listener is non-nil it is the
// dedicated websocket HTTP listener and is served and shut down as well.
// With a nil listener the sockets are served by the API server and this
// service only closes them.
type WebSocketService struct {
	sockets         SocketServer
	listener        HTTPServer
	shutdownTimeout time.Duration
	name            string
}

// NewWebSocketService wraps sockets and an optional dedicated listener.
func NewWebSocketService(sockets SocketServer, listener HTTPServer, shutdownTimeout time.Duration) *WebSocketService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &WebSocketService{
		sockets:         sockets,
		listener:        listener,
		shutdownTimeout: shutdownTimeout,
		name:            "websocket-server",
	}
}

// Serve implements suture.Service.
func (w *WebSocketService) Serve(ctx context.Context) error {
	var errCh <-chan error
	if w.listener != nil {
		errCh = listen(w.listener)
	}

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s failed: %w", w.name, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
	defer cancel()

	var errs []error
	if err := w.sockets.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close sockets: %w", err))
	}
	if w.listener != nil {
		if err := w.listener.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown listener: %w", err))
		}
		<-errCh
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", w.name, err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for suture's logs.
func (w *WebSocketService) String() string {
	return w.name
}
