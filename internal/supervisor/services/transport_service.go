// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package services

import (
	"context"
)

// ContextServer is anything that serves until its context is done, such as
// *osc.Server, *osc.Relay, or the connection manager's flush loop.
type ContextServer interface {
	Serve(ctx context.Context) error
}

// ContextServerFunc adapts a function to ContextServer.
type ContextServerFunc func(ctx context.Context) error

// Serve calls f(ctx).
func (f ContextServerFunc) Serve(ctx context.Context) error { return f(ctx) }

// TransportService names a ContextServer for the supervisor. The server
// already follows suture's Serve contract, so the wrapper only delegates.
type TransportService struct {
	server ContextServer
	name   string
}

// NewTransportService wraps server under name.
func NewTransportService(name string, server ContextServer) *TransportService {
	return &TransportService{server: server, name: name}
}

// Serve implements suture.Service.
func (s *TransportService) Serve(ctx context.Context) error {
	return s.server.Serve(ctx)
}

// String implements fmt.Stringer for suture's logs.
func (s *TransportService) String() string {
	return s.name
}

// FlushLooper matches connection.Manager's periodic persistence loop.
type FlushLooper interface {
	RunFlushLoop(ctx context.Context) error
}

// NewManagerFlushService supervises the connection manager's flush loop.
// The final flush on shutdown belongs to Manager.Stop, not to this service.
func NewManagerFlushService(manager FlushLooper) *TransportService {
	return NewTransportService("manager-flush", ContextServerFunc(manager.RunFlushLoop))
}
