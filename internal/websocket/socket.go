// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package websocket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024 * 1024 // blobs travel in binary frames
	sendBufferSize = 256
)

var (
	// ErrSocketClosed is returned when writing to a torn down socket.
	ErrSocketClosed = errors.New("websocket closed")

	// ErrSocketBackpressure is returned when a socket's send buffer is full.
	ErrSocketBackpressure = errors.New("websocket send buffer full")
)

var socketIDCounter atomic.Uint64

// socket is one physical websocket attached to a Connection. A read pump
// and a write pump run per socket; the write pump is the only writer.
//
// A new socket is held: frames routed to it are kept aside until
// handshake queues the connect envelope, which is always the first frame
// a client reads.
type socket struct {
	id    uint64
	conn  *websocket.Conn
	owner *Connection
	send  chan frame

	mu      sync.Mutex
	held    bool
	pending []frame
	closed  bool
	done    chan struct{}
	once    sync.Once
	onStop  func()
}

func newSocket(conn *websocket.Conn, owner *Connection, onStop func()) *socket {
	return &socket{
		id:     socketIDCounter.Add(1),
		conn:   conn,
		owner:  owner,
		send:   make(chan frame, sendBufferSize),
		held:   true,
		done:   make(chan struct{}),
		onStop: onStop,
	}
}

// enqueue hands a frame to the write pump without blocking.
func (s *socket) enqueue(f frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSocketClosed
	}
	if s.held {
		// One slot of the send buffer is left for the handshake.
		if len(s.pending) >= sendBufferSize-1 {
			return ErrSocketBackpressure
		}
		s.pending = append(s.pending, f)
		return nil
	}
	select {
	case s.send <- f:
		return nil
	default:
		return ErrSocketBackpressure
	}
}

// handshake queues hello followed by the frames held back since the
// socket was attached, and releases the socket.
func (s *socket) handshake(hello frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSocketClosed
	}
	pending := s.pending
	s.held, s.pending = false, nil

	// The write pump has not run yet, so the buffer holds at most the
	// frames moved here.
	for _, f := range append([]frame{hello}, pending...) {
		select {
		case s.send <- f:
		default:
			return ErrSocketBackpressure
		}
	}
	return nil
}

// start runs both pumps.
func (s *socket) start() {
	go s.writePump()
	go s.readPump()
}

// stop tears the socket down once: no more writes are accepted, the write
// pump sends a close frame and the connection is closed.
func (s *socket) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.done)
		s.mu.Unlock()
		if s.onStop != nil {
			s.onStop()
		}
	})
}

func (s *socket) readPump() {
	defer func() {
		s.stop()
		_ = s.conn.Close()
		s.owner.removeSocket(s)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.owner.reportSocketError("deadline", err)
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.owner.reportSocketError("read", err)
			}
			return
		}
		s.owner.handleFrame(kind, data)
	}
}

func (s *socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case f := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.owner.reportSocketError("deadline", err)
				s.stop()
				return
			}
			if err := s.conn.WriteMessage(f.kind, f.data); err != nil {
				s.owner.reportSocketError("write", err)
				s.stop()
				return
			}

		case <-s.done:
			s.drain()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.owner.reportSocketError("deadline", err)
				s.stop()
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.stop()
				return
			}
		}
	}
}

// drain writes the frames queued before the stop.
func (s *socket) drain() {
	for {
		select {
		case f := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(f.kind, f.data); err != nil {
				return
			}
		default:
			return
		}
	}
}
