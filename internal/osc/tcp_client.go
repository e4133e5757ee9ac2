// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package osc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/oscrelay/internal/logging"
	"github.com/tomtom215/oscrelay/internal/metrics"
	"github.com/tomtom215/oscrelay/internal/models"
)

// ChunkSize is the largest single write on a blob stream.
const ChunkSize = 64 * 1024

var (
	// ErrClientClosed is returned by Send after Close.
	ErrClientClosed = errors.New("OSC TCP client closed")

	// ErrQueueFull is returned when the write queue is saturated.
	ErrQueueFull = errors.New("OSC TCP client queue full")
)

// TCPClientConfig configures a TCPClient.
type TCPClientConfig struct {
	// Addr is the host:port of the remote stream endpoint.
	Addr string
	// BytesPerSecond caps the write rate. Zero means unlimited.
	BytesPerSecond int
	// QueueSize bounds the number of messages waiting to be written.
	QueueSize int
	// DialTimeout bounds a single dial.
	DialTimeout time.Duration
	// BreakerTimeout is how long a tripped dial breaker stays open.
	BreakerTimeout time.Duration
	// Transport labels metrics and logs ("blob" for relay streams).
	Transport string
}

// TCPClient writes size-prefixed messages on a lazily dialed persistent
// stream. Messages are written by a single goroutine in queue order. Large
// packets are split into ChunkSize writes, each issued after the previous
// one completed and after the rate limiter admitted it, so memory and
// bandwidth stay bounded regardless of blob size. A failed write drops the
// connection; the next message redials.
type TCPClient struct {
	cfg     TCPClientConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[interface{}]
	queue   chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// NewTCPClient creates the client and starts its writer.
func NewTCPClient(cfg TCPClientConfig) *TCPClient {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 10 * time.Second
	}
	if cfg.Transport == "" {
		cfg.Transport = "tcp"
	}

	limit := rate.Inf
	if cfg.BytesPerSecond > 0 {
		limit = rate.Limit(cfg.BytesPerSecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &TCPClient{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, ChunkSize),
		breaker: newDialBreaker(cfg.Transport+"-"+cfg.Addr, cfg.BreakerTimeout),
		queue:   make(chan []byte, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Addr returns the remote address.
func (c *TCPClient) Addr() string {
	return c.cfg.Addr
}

// Send encodes msg and queues it for writing. It does not wait for the
// write.
func (c *TCPClient) Send(msg models.Message) error {
	packet, err := Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.queue <- Frame(packet):
		return nil
	default:
		metrics.RecordTransportError(c.cfg.Transport, "queue_full")
		return fmt.Errorf("%w: %s", ErrQueueFull, c.cfg.Addr)
	}
}

// Close stops the writer. Queued messages not yet written are dropped.
func (c *TCPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	// Unblocks a write stuck on a stalled peer.
	c.dropConn()
	<-c.done
	return nil
}

func (c *TCPClient) run() {
	defer close(c.done)
	defer c.dropConn()

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.queue:
			if err := c.write(frame); err != nil {
				if c.ctx.Err() != nil {
					return
				}
				metrics.RecordTransportError(c.cfg.Transport, "write")
				logging.Warn().Err(err).
					Str("addr", c.cfg.Addr).
					Int("bytes", len(frame)).
					Msg("dropping OSC stream message")
				c.dropConn()
			}
		}
	}
}

func (c *TCPClient) write(frame []byte) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	for offset := 0; offset < len(frame); offset += ChunkSize {
		end := offset + ChunkSize
		if end > len(frame) {
			end = len(frame)
		}
		chunk := frame[offset:end]
		if err := c.limiter.WaitN(c.ctx, len(chunk)); err != nil {
			return err
		}
		if _, err := conn.Write(chunk); err != nil {
			return fmt.Errorf("write chunk at %d: %w", offset, err)
		}
	}
	metrics.BlobBytesRelayed.WithLabelValues("out").Add(float64(len(frame)))
	return nil
}

func (c *TCPClient) connection() (net.Conn, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
		return dialer.DialContext(c.ctx, "tcp", c.cfg.Addr)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(c.breaker.Name(), "rejected").Inc()
		} else {
			metrics.CircuitBreakerRequests.WithLabelValues(c.breaker.Name(), "failure").Inc()
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	metrics.CircuitBreakerRequests.WithLabelValues(c.breaker.Name(), "success").Inc()

	conn = result.(net.Conn)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *TCPClient) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
