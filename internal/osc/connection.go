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
	"strconv"
	"sync"

	"github.com/tomtom215/oscrelay/internal/connection"
	"github.com/tomtom215/oscrelay/internal/models"
	"github.com/tomtom215/oscrelay/internal/router"
)

const (
	// Namespace is the connection namespace of OSC clients.
	Namespace = "osc"

	// InfoBlobsPort is the infos key holding the configured blob relay port.
	InfoBlobsPort = "blobsPort"

	// ConfigureBlobClient is the configuration key of /sys/configure.
	ConfigureBlobClient = "blobClient"
)

// ErrNoRelay is returned when a blob transfer is requested on a connection
// without a configured blob relay.
var ErrNoRelay = errors.New("no blob relay configured")

// RelayFactory creates the stream sender for a relay at addr.
type RelayFactory func(addr string) Sender

// ConnectionID is the identity of the app at (host, appPort).
func ConnectionID(host string, appPort int) string {
	return net.JoinHostPort(host, strconv.Itoa(appPort))
}

// ParseConnectionID splits an id built by ConnectionID.
func ParseConnectionID(id string) (host string, appPort int, err error) {
	host, port, err := net.SplitHostPort(id)
	if err != nil {
		return "", 0, fmt.Errorf("parse OSC connection id %q: %w", id, err)
	}
	appPort, err = strconv.Atoi(port)
	if err != nil || appPort <= 0 || appPort > 65535 {
		return "", 0, fmt.Errorf("parse OSC connection id %q: invalid port", id)
	}
	return host, appPort, nil
}

// Connection is one OSC application, identified by (host, appPort). Plain
// messages go out on the primary sender; messages carrying a blob go to the
// app's blob relay, once configured, with appPort prepended so a shared
// relay can demultiplex.
type Connection struct {
	*connection.Session

	host     string
	appPort  int
	primary  Sender
	newRelay RelayFactory

	mu        sync.Mutex
	relay     Sender
	relayPort int
}

var _ connection.SystemHandler = (*Connection)(nil)

// NewConnection creates a closed connection for the app at (host, appPort).
func NewConnection(manager *connection.Manager, host string, appPort int, primary Sender, newRelay RelayFactory) *Connection {
	c := &Connection{
		host:     host,
		appPort:  appPort,
		primary:  primary,
		newRelay: newRelay,
	}
	c.Session = connection.NewSession(manager, c, Namespace, ConnectionID(host, appPort), false)
	return c
}

// Host returns the app host.
func (c *Connection) Host() string { return c.host }

// AppPort returns the app port.
func (c *Connection) AppPort() int { return c.appPort }

// Write implements connection.Transport.
func (c *Connection) Write(address string, args models.Args) error {
	if args.HasBlob() {
		if relay := c.relayClient(); relay != nil {
			return relay.Send(models.Message{Address: address, Args: args.Prepend(int32(c.appPort))})
		}
	}
	return c.primary.Send(models.Message{Address: address, Args: args})
}

// relayClient returns the sender for the configured relay port, creating
// or replacing it when the port changed. It returns nil when no relay is
// configured.
func (c *Connection) relayClient() Sender {
	value, ok := c.Info(InfoBlobsPort)
	if !ok {
		return nil
	}
	port, err := strconv.Atoi(value)
	if err != nil || port <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relay != nil && c.relayPort == port {
		return c.relay
	}
	if c.relay != nil {
		_ = c.relay.Close()
	}
	c.relay = c.newRelay(net.JoinHostPort(c.host, strconv.Itoa(port)))
	c.relayPort = port
	return c.relay
}

// HandleSystem implements connection.SystemHandler for /sys/configure and
// /sys/blob.
func (c *Connection) HandleSystem(ctx context.Context, address string, args models.Args) (bool, error) {
	switch address {
	case router.ConfigureAddress:
		return true, c.configure(ctx, args)
	case router.SendBlobAddress:
		return true, c.requestBlob(args)
	default:
		return false, nil
	}
}

func (c *Connection) configure(ctx context.Context, args models.Args) error {
	key, err := connection.StringArg(router.ConfigureAddress, args, 0)
	if err != nil {
		return err
	}
	if key != ConfigureBlobClient {
		return &router.ProtocolError{
			Address: router.ConfigureAddress,
			Reason:  fmt.Sprintf("unknown configuration %q", key),
			Err:     router.ErrInvalidArgs,
		}
	}
	port, err := connection.IntArg(router.ConfigureAddress, args, 1)
	if err != nil {
		return err
	}
	if port <= 0 || port > 65535 {
		return &router.ProtocolError{
			Address: router.ConfigureAddress,
			Reason:  fmt.Sprintf("invalid port %d", port),
			Err:     router.ErrInvalidArgs,
		}
	}

	c.SetInfo(InfoBlobsPort, strconv.Itoa(port))
	c.Manager().ConnectionUpdate(ctx, c.Session)
	c.Logger().Info().Int("blobs_port", port).Msg("blob relay configured")

	if err := c.Send(router.ConfiguredAddress, models.Args{ConfigureBlobClient, int32(port)}); err != nil {
		c.Logger().Warn().Err(err).Msg("configure acknowledgement failed")
	}
	return nil
}

// requestBlob forwards [path, address, extra...] to the relay, which reads
// the file and streams the message back on the blobs port.
func (c *Connection) requestBlob(args models.Args) error {
	if _, err := connection.StringArg(router.SendBlobAddress, args, 0); err != nil {
		return err
	}
	if _, err := connection.StringArg(router.SendBlobAddress, args, 1); err != nil {
		return err
	}
	relay := c.relayClient()
	if relay == nil {
		return fmt.Errorf("%w for %s", ErrNoRelay, c.ID())
	}
	return relay.Send(models.Message{Address: router.SendBlobAddress, Args: args.Prepend(int32(c.appPort))})
}

// Close closes the session and the relay stream.
func (c *Connection) Close(ctx context.Context) error {
	err := c.Session.Close(ctx)
	c.mu.Lock()
	if c.relay != nil {
		_ = c.relay.Close()
		c.relay = nil
	}
	c.mu.Unlock()
	return err
}
