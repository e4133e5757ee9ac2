// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package osc

import (
	"errors"
	"fmt"
	"net"

	"github.com/tomtom215/oscrelay/internal/metrics"
	"github.com/tomtom215/oscrelay/internal/models"
)

// MaxUDPPacket is the largest UDP payload over IPv4.
const MaxUDPPacket = 65507

// ErrPacketTooLarge is returned instead of sending a truncated datagram.
var ErrPacketTooLarge = errors.New("OSC packet too large for UDP")

// Sender delivers encoded messages to one remote endpoint.
type Sender interface {
	Send(msg models.Message) error
	Close() error
}

// UDPClient sends one datagram per message to a fixed remote address. The
// socket is shared and owned by the caller; Close does not close it.
type UDPClient struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

// NewUDPClient creates a client writing to addr through conn.
func NewUDPClient(conn *net.UDPConn, addr *net.UDPAddr) *UDPClient {
	return &UDPClient{conn: conn, addr: addr}
}

// Addr returns the remote address.
func (c *UDPClient) Addr() *net.UDPAddr {
	return c.addr
}

// Send encodes and writes msg. Oversized packets fail with
// ErrPacketTooLarge.
func (c *UDPClient) Send(msg models.Message) error {
	packet, err := Encode(msg)
	if err != nil {
		return err
	}
	if len(packet) > MaxUDPPacket {
		metrics.RecordTransportError("udp", "too_large")
		return fmt.Errorf("%w: %d bytes to %s", ErrPacketTooLarge, len(packet), c.addr)
	}
	if _, err := c.conn.WriteToUDP(packet, c.addr); err != nil {
		metrics.RecordTransportError("udp", "write")
		return fmt.Errorf("write to %s: %w", c.addr, err)
	}
	return nil
}

// Close implements Sender.
func (c *UDPClient) Close() error {
	return nil
}
