// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tomtom215/oscrelay/internal/connection"
	"github.com/tomtom215/oscrelay/internal/logging"
	"github.com/tomtom215/oscrelay/internal/metrics"
)

// DefaultMaxSockets is the socket cap used when none is configured.
const DefaultMaxSockets = 5000

// closeTryAgainLater is the RFC 6455 status sent with a refusal.
const closeTryAgainLater = 1013

// attachRetries bounds how often a socket presenting a known id races a
// concurrent open or close of that id.
const attachRetries = 3

// ServerConfig configures the websocket server.
type ServerConfig struct {
	// RootPath is the HTTP path the upgrade handler is mounted on.
	RootPath string

	// MaxSockets caps concurrently open physical sockets. Excess sockets
	// are refused, never queued.
	MaxSockets int

	// AllowedOrigins lists accepted Origin headers. Empty or "*" accepts all.
	AllowedOrigins []string
}

// Server upgrades HTTP requests to sockets and binds them to logical
// connections.
type Server struct {
	cfg      ServerConfig
	manager  *connection.Manager
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.Mutex
	sockets int
	conns   map[string]*Connection
	closed  bool
}

// NewServer creates a websocket server bound to manager.
func NewServer(cfg ServerConfig, manager *connection.Manager) *Server {
	if cfg.MaxSockets <= 0 {
		cfg.MaxSockets = DefaultMaxSockets
	}
	if cfg.RootPath == "" {
		cfg.RootPath = "/"
	}
	s := &Server{
		cfg:     cfg,
		manager: manager,
		logger:  logging.WithComponent("websocket"),
		conns:   make(map[string]*Connection),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// RootPath returns the path the handler expects to be mounted on.
func (s *Server) RootPath() string { return s.cfg.RootPath }

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	s.logger.Warn().Str("origin", origin).Msg("websocket origin rejected")
	return false
}

// SocketCount returns the number of open physical sockets.
func (s *Server) SocketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sockets
}

// Connection returns the open logical connection with id.
func (s *Server) Connection(id string) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

// ServeHTTP upgrades the request and runs admission control.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		metrics.RecordTransportError("websocket", "upgrade")
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	if !s.admit() {
		s.refuse(ws, ReasonServerFull)
		return
	}

	conn, sock, err := s.bind(r.Context(), ws, r.URL.Query().Get("id"))
	if err != nil {
		s.release()
		s.logger.Warn().Err(err).Msg("websocket connection refused")
		s.refuse(ws, err.Error())
		return
	}

	hello, err := encodeEnvelope(connectEnvelope(conn.ID()))
	if err == nil {
		err = sock.handshake(hello)
	}
	if err != nil {
		conn.reportSocketError("handshake", err)
	}
	sock.start()

	s.logger.Debug().
		Str("connection_id", conn.ID()).
		Uint64("socket_id", sock.id).
		Int("sockets", conn.SocketCount()).
		Msg("websocket attached")
}

// admit reserves a socket slot under the cap.
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.sockets >= s.cfg.MaxSockets {
		metrics.RejectedSockets.Inc()
		return false
	}
	s.sockets++
	metrics.OpenSockets.Inc()
	return true
}

// release frees a reserved slot.
func (s *Server) release() {
	s.mu.Lock()
	s.sockets--
	s.mu.Unlock()
	metrics.OpenSockets.Dec()
}

// refuse sends the refusal envelope and a try-again-later close frame.
func (s *Server) refuse(ws *websocket.Conn, reason string) {
	defer func() { _ = ws.Close() }()
	deadline := time.Now().Add(writeWait)
	if f, err := encodeEnvelope(refusalEnvelope(reason)); err == nil {
		_ = ws.SetWriteDeadline(deadline)
		_ = ws.WriteMessage(f.kind, f.data)
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeTryAgainLater, reason), deadline)
}

// bind attaches ws to the open connection presenting id, or opens a new
// or restored one. The socket is attached before Open so the open
// broadcast and replayed replies reach it; it stays held until the
// caller queues the handshake.
func (s *Server) bind(ctx context.Context, ws *websocket.Conn, id string) (*Connection, *socket, error) {
	var lastErr error
	for range attachRetries {
		if id != "" {
			if c, ok := s.Connection(id); ok {
				sock := newSocket(ws, c, s.release)
				if c.addSocket(sock) {
					return c, sock, nil
				}
				// Closing; wait for it to deregister and open afresh.
				lastErr = connection.ErrIdentityConflict
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}

		c := NewConnection(s.manager, id, s.forget)
		sock := newSocket(ws, c, s.release)
		c.addSocket(sock)
		err := c.Open(ctx)
		if err == nil {
			s.mu.Lock()
			s.conns[c.ID()] = c
			s.mu.Unlock()
			return c, sock, nil
		}
		lastErr = err
		if !errors.Is(err, connection.ErrIdentityConflict) {
			break
		}
		// Another socket opened the same id concurrently; attach to it.
		time.Sleep(10 * time.Millisecond)
	}
	return nil, nil, lastErr
}

// forget drops a closed connection from the attach index.
func (s *Server) forget(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[c.ID()] == c {
		delete(s.conns, c.ID())
	}
}

// Close stops every socket and refuses new ones. Connections close as
// their last read pump exits.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Shutdown closes the server and waits until every socket is gone or ctx
// is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Close()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.SocketCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
