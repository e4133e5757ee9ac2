// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tomtom215/oscrelay/internal/logging"
	"github.com/tomtom215/oscrelay/internal/models"
	"github.com/tomtom215/oscrelay/internal/router"
)

// DefaultReconnectDelay is the wait between reconnection attempts.
const DefaultReconnectDelay = time.Second

var (
	// ErrNotConnected is returned by Send while no socket is up.
	ErrNotConnected = errors.New("websocket client not connected")

	// ErrRefused is returned when the server refuses the socket.
	ErrRefused = errors.New("websocket connection refused")

	// ErrClientStarted is returned by a second Start.
	ErrClientStarted = errors.New("websocket client already started")
)

// ClientConfig configures a reconnecting client.
type ClientConfig struct {
	// URL is the server's websocket endpoint, e.g. ws://host:8000/.
	URL string

	// ID requests a known identity. After the first handshake the
	// assigned id is reused on every reconnect so the server restores
	// the connection's subscriptions.
	ID string

	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration

	// MessageBuffer sizes the Messages channel. Messages are dropped
	// when the consumer falls behind.
	MessageBuffer int
}

// Client is a Go websocket client of the relay. It reconnects after a
// fixed delay until Stop is called.
type Client struct {
	cfg      ClientConfig
	dialer   websocket.Dialer
	logger   zerolog.Logger
	messages chan models.Message

	mu        sync.Mutex
	id        string
	conn      *websocket.Conn
	timer     *time.Timer
	started   bool
	stopped   bool
	connected chan struct{}
	cancel    context.CancelFunc

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewClient creates a stopped client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = sendBufferSize
	}
	return &Client{
		cfg:       cfg,
		dialer:    websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:    logging.WithComponent("websocket-client"),
		messages:  make(chan models.Message, cfg.MessageBuffer),
		id:        cfg.ID,
		connected: make(chan struct{}),
	}
}

// ID returns the identity assigned by the server, or the requested one
// before the first handshake.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Messages returns inbound messages. It is closed by Stop.
func (c *Client) Messages() <-chan models.Message { return c.messages }

// Connected returns a channel closed once the current socket completed
// its handshake. A new channel is handed out after each disconnect.
func (c *Client) Connected() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Start connects in the background and keeps reconnecting until Stop or
// until ctx is done.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrClientStarted
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop closes the socket, cancels a pending reconnect and waits for the
// client goroutine.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped || !c.started {
		c.stopped = true
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.wg.Wait()
	close(c.messages)
}

// Send writes one message on the current socket.
func (c *Client) Send(address string, args models.Args) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	f, err := encodeMessage(address, args)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(f.kind, f.data)
}

// Subscribe asks the server to route address and its descendants here.
func (c *Client) Subscribe(address string) error {
	return c.Send(router.SubscribeAddress, models.Args{address})
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			c.logger.Debug().Err(err).Dur("delay", c.cfg.ReconnectDelay).Msg("websocket connect failed")
		} else {
			c.listen(conn)
		}
		if !c.wait(ctx) {
			return
		}
	}
}

// wait arms the reconnect timer. It reports false once stopped.
func (c *Client) wait(ctx context.Context) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	fired := make(chan struct{})
	c.timer = time.AfterFunc(c.cfg.ReconnectDelay, func() { close(fired) })
	c.mu.Unlock()

	select {
	case <-fired:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	if id := c.ID(); id != "" {
		q := u.Query()
		q.Set("id", id)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// connect dials and completes the connect handshake.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	env, err := c.readHandshake(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if *env.Status != StatusConnected {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrRefused, env.Error)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, ErrNotConnected
	}
	c.id = env.ID
	c.conn = conn
	close(c.connected)
	c.mu.Unlock()

	c.logger.Info().Str("connection_id", env.ID).Msg("websocket connected")
	return conn, nil
}

// readHandshake reads until the connect envelope. Routed messages that
// precede it are delivered rather than treated as a broken handshake.
func (c *Client) readHandshake(conn *websocket.Conn) (Envelope, error) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return Envelope{}, fmt.Errorf("read handshake: %w", err)
		}
		if kind == websocket.TextMessage {
			var env Envelope
			if err := json.Unmarshal(data, &env); err == nil && env.Command == CommandConnect {
				if env.Status == nil {
					return Envelope{}, fmt.Errorf("%w: connect envelope without status", ErrInvalidEnvelope)
				}
				return env, nil
			}
		}
		messages, err := decodeMessages(kind, data)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: unexpected handshake %q", ErrInvalidEnvelope, data)
		}
		c.deliver(messages)
	}
}

// deliver hands messages to the consumer, dropping them when it is behind.
func (c *Client) deliver(messages []models.Message) {
	for _, msg := range messages {
		select {
		case c.messages <- msg:
		default:
			c.logger.Warn().Str("address", msg.Address).Msg("message buffer full, dropping")
		}
	}
}

// listen reads until the socket fails.
func (c *Client) listen(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.connected = make(chan struct{})
		c.mu.Unlock()
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		messages, err := decodeMessages(kind, data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		c.deliver(messages)
	}
}
