// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tomtom215/oscrelay/internal/connection"
	"github.com/tomtom215/oscrelay/internal/metrics"
	"github.com/tomtom215/oscrelay/internal/models"
	"github.com/tomtom215/oscrelay/internal/router"
)

// Namespace is the connection namespace of websocket clients.
const Namespace = "websockets"

// ErrNoSockets is returned when writing to a connection with no socket.
var ErrNoSockets = errors.New("connection has no open socket")

// Connection is one logical websocket client. It may own several sockets,
// for instance browser tabs sharing a persisted id; writes fan out to all
// of them. Losing the last socket closes the connection.
type Connection struct {
	*connection.Session

	onClosed func(*Connection)

	mu      sync.Mutex
	sockets []*socket
	closing bool
}

// NewConnection creates a closed connection. An empty id gets one assigned
// on open. onClosed runs once the connection is deregistered.
func NewConnection(manager *connection.Manager, id string, onClosed func(*Connection)) *Connection {
	c := &Connection{onClosed: onClosed}
	c.Session = connection.NewSession(manager, c, Namespace, id, id == "")
	return c
}

// SocketCount returns the number of attached sockets.
func (c *Connection) SocketCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sockets)
}

// Write implements connection.Transport. It fans the frame out to every
// socket; a failing socket does not prevent delivery to the others.
func (c *Connection) Write(address string, args models.Args) error {
	f, err := encodeMessage(address, args)
	if err != nil {
		return err
	}

	c.mu.Lock()
	sockets := append([]*socket(nil), c.sockets...)
	c.mu.Unlock()
	if len(sockets) == 0 {
		return ErrNoSockets
	}

	var errs []error
	for _, s := range sockets {
		if err := s.enqueue(f); err != nil {
			metrics.RecordTransportError("websocket", "enqueue")
			errs = append(errs, fmt.Errorf("socket %d: %w", s.id, err))
		}
	}
	if len(errs) == len(sockets) {
		return errors.Join(errs...)
	}
	return nil
}

// addSocket attaches s. It fails once the connection started closing.
func (c *Connection) addSocket(s *socket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.sockets = append(c.sockets, s)
	return true
}

// removeSocket detaches s and closes the connection when it was the last.
// It runs on the socket's read pump, never under the manager lock.
func (c *Connection) removeSocket(s *socket) {
	c.mu.Lock()
	for i, existing := range c.sockets {
		if existing == s {
			c.sockets = append(c.sockets[:i], c.sockets[i+1:]...)
			break
		}
	}
	last := len(c.sockets) == 0 && !c.closing
	if last {
		c.closing = true
	}
	c.mu.Unlock()

	if last {
		c.shutdown()
	}
}

func (c *Connection) shutdown() {
	if err := c.Session.Close(context.Background()); err != nil && !errors.Is(err, connection.ErrNotOpen) {
		c.Logger().Warn().Err(err).Msg("close websocket connection")
	}
	if c.onClosed != nil {
		c.onClosed(c)
	}
}

// Close stops every socket. The connection itself closes when the last
// read pump exits.
func (c *Connection) Close() {
	c.mu.Lock()
	sockets := append([]*socket(nil), c.sockets...)
	c.mu.Unlock()
	for _, s := range sockets {
		s.stop()
	}
}

// reportSocketError records a socket failure on the connection. The socket
// is torn down by its pump; other sockets keep working.
func (c *Connection) reportSocketError(kind string, err error) {
	metrics.RecordTransportError("websocket", kind)
	c.Logger().Warn().Err(err).Str("kind", kind).Msg("websocket error")
}

// handleFrame dispatches an inbound frame: system addresses go to the
// session protocol, everything else is published.
func (c *Connection) handleFrame(kind int, data []byte) {
	messages, err := decodeMessages(kind, data)
	if err != nil {
		c.ReplyError(err)
		return
	}
	ctx := context.Background()
	for _, msg := range messages {
		address, err := router.Normalize(msg.Address)
		if err != nil {
			c.ReplyError(err)
			continue
		}
		if router.IsSystem(address) {
			c.HandleSystemMessage(ctx, address, msg.Args)
			continue
		}
		// Publish replies protocol errors itself.
		_ = c.Publish(address, msg.Args)
	}
}
