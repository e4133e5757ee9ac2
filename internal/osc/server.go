// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package osc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tomtom215/oscrelay/internal/connection"
	"github.com/tomtom215/oscrelay/internal/logging"
	"github.com/tomtom215/oscrelay/internal/metrics"
	"github.com/tomtom215/oscrelay/internal/models"
	"github.com/tomtom215/oscrelay/internal/router"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Host string
	// Port is the UDP port for control and small messages.
	Port int
	// BlobsPort is the TCP port receiving streams from blob relays.
	BlobsPort int
	// MaxBlobRate caps bytes per second written to each relay. Zero means
	// unlimited.
	MaxBlobRate int
}

// Server receives OSC over UDP and blob relay streams over TCP.
//
// Messages to ordinary addresses are published as-is. Messages to system
// addresses carry the sender's appPort as first argument, which together
// with the source IP identifies the Connection; unknown identities are
// created and opened on first contact.
type Server struct {
	cfg     ServerConfig
	manager *connection.Manager
	logger  zerolog.Logger

	mu      sync.Mutex
	udp     *net.UDPConn
	blobs   net.Listener
	streams map[net.Conn]struct{}
	conns   map[string]*Connection
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a server. Nothing is bound until Start.
func NewServer(cfg ServerConfig, manager *connection.Manager) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		logger:  logging.WithComponent("osc"),
		streams: make(map[net.Conn]struct{}),
		conns:   make(map[string]*Connection),
	}
}

// Start binds the UDP socket, reconstructs every OSC connection known to
// the store, then binds the blob listener and starts serving. Bind
// failures are fatal for the server.
func (s *Server) Start(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("resolve OSC address: %w", err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("bind OSC UDP port %d: %w", s.cfg.Port, err)
	}
	s.mu.Lock()
	s.udp = udp
	s.mu.Unlock()

	// No packet is read before restore completes, so restored
	// subscriptions are active before any new traffic.
	if err := s.restore(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("could not restore OSC connections")
	}

	blobs, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.BlobsPort)))
	if err != nil {
		_ = udp.Close()
		return fmt.Errorf("bind OSC blobs port %d: %w", s.cfg.BlobsPort, err)
	}

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.blobs = blobs
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(serveCtx)
	go s.acceptLoop(serveCtx)

	s.logger.Info().
		Str("udp", udp.LocalAddr().String()).
		Str("blobs", blobs.Addr().String()).
		Msg("OSC server listening")
	return nil
}

func (s *Server) restore(ctx context.Context) error {
	ids, err := s.manager.StoredConnectionIDs(ctx, Namespace)
	if err != nil {
		return err
	}
	restored := 0
	for _, id := range ids {
		host, appPort, err := ParseConnectionID(id)
		if err != nil {
			s.logger.Warn().Err(err).Msg("skipping stored OSC connection")
			continue
		}
		c, created, err := s.connectionFor(host, appPort)
		if err == nil && created {
			err = s.open(ctx, c)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("connection_id", id).Msg("could not restore OSC connection")
			continue
		}
		restored++
	}
	s.logger.Info().Int("restored", restored).Int("stored", len(ids)).Msg("OSC connections restored")
	return nil
}

// Stop closes the listeners, waits for the serving goroutines and closes
// every connection.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.udp != nil {
		_ = s.udp.Close()
	}
	if s.blobs != nil {
		_ = s.blobs.Close()
	}
	for stream := range s.streams {
		_ = stream.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*Connection)
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(context.Background()); err != nil && !errors.Is(err, connection.ErrNotOpen) {
			s.logger.Warn().Err(err).Str("connection_id", c.ID()).Msg("close OSC connection")
		}
	}
	s.logger.Info().Msg("OSC server stopped")
	return nil
}

// Serve runs the server until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := s.Stop(); err != nil {
		return err
	}
	return ctx.Err()
}

// UDPAddr returns the bound UDP address, nil before Start.
func (s *Server) UDPAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr().(*net.UDPAddr)
}

// BlobsAddr returns the bound blob listener address, nil before Start.
func (s *Server) BlobsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blobs == nil {
		return nil
	}
	return s.blobs.Addr()
}

// Connection returns the connection with id, or nil.
func (s *Server) Connection(id string) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[id]
}

func (s *Server) newRelay(addr string) Sender {
	return NewTCPClient(TCPClientConfig{
		Addr:           addr,
		BytesPerSecond: s.cfg.MaxBlobRate,
		Transport:      "blob",
	})
}

// connectionFor finds the connection of (host, appPort) or registers a
// new one, in which case created is true and the caller must open it. A
// connection is visible in the map while it opens, so system messages
// racing its open are queued by its session.
func (s *Server) connectionFor(host string, appPort int) (c *Connection, created bool, err error) {
	id := ConnectionID(host, appPort)

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[id]; ok {
		return c, false, nil
	}
	if s.udp == nil {
		return nil, false, errors.New("OSC server not started")
	}
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: appPort}
	c = NewConnection(s.manager, host, appPort, NewUDPClient(s.udp, addr), s.newRelay)
	s.conns[id] = c
	return c, true, nil
}

// open opens a registered connection and unregisters it on failure.
func (s *Server) open(ctx context.Context, c *Connection) error {
	if err := c.Open(ctx); err != nil {
		s.mu.Lock()
		if s.conns[c.ID()] == c {
			delete(s.conns, c.ID())
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Server) readLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, MaxUDPPacket)
	for {
		n, from, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			metrics.RecordTransportError("udp", "read")
			s.logger.Warn().Err(err).Msg("OSC UDP read failed")
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		s.handlePacket(ctx, packet, from.IP.String(), from.Port)
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		stream, err := s.blobs.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			metrics.RecordTransportError("blob", "accept")
			s.logger.Warn().Err(err).Msg("blob listener accept failed")
			continue
		}

		s.mu.Lock()
		s.streams[stream] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.readStream(ctx, stream)
	}
}

// readStream republishes every framed message arriving from a blob relay.
// The relay is trusted; sender identity is not checked.
func (s *Server) readStream(ctx context.Context, stream net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.streams, stream)
		s.mu.Unlock()
		_ = stream.Close()
	}()

	remote, _ := stream.RemoteAddr().(*net.TCPAddr)
	host := ""
	if remote != nil {
		host = remote.IP.String()
	}

	for {
		packet, err := ReadFrame(stream)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				metrics.RecordTransportError("blob", "read")
				s.logger.Warn().Err(err).Str("remote", stream.RemoteAddr().String()).Msg("blob stream read failed")
			}
			return
		}
		metrics.BlobBytesRelayed.WithLabelValues("in").Add(float64(len(packet) + 4))
		s.handlePacket(ctx, packet, host, 0)
	}
}

func (s *Server) handlePacket(ctx context.Context, packet []byte, host string, sourcePort int) {
	messages, err := Decode(packet)
	if err != nil {
		metrics.RecordTransportError("udp", "decode")
		s.logger.Debug().Err(err).Str("host", host).Msg("dropping malformed OSC packet")
		return
	}
	for _, msg := range messages {
		s.handleMessage(ctx, msg, host, sourcePort)
	}
}

func (s *Server) handleMessage(ctx context.Context, msg models.Message, host string, sourcePort int) {
	address, err := router.Normalize(msg.Address)
	if err != nil {
		s.logger.Debug().Err(err).Str("host", host).Msg("dropping OSC message")
		return
	}

	if router.IsSystem(address) {
		appPort, err := connection.IntArg(address, msg.Args, 0)
		if err != nil || appPort <= 0 || appPort > 65535 {
			s.logger.Warn().Str("address", address).Str("host", host).
				Msg("system message without a valid appPort first argument")
			return
		}
		c, created, err := s.connectionFor(host, appPort)
		if err != nil {
			s.logger.Warn().Err(err).Str("connection_id", ConnectionID(host, appPort)).
				Msg("could not open OSC connection")
			return
		}
		if created {
			// Opening touches the store; ingress keeps flowing meanwhile
			// and the session queues this app's system messages.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.open(ctx, c); err != nil {
					s.logger.Warn().Err(err).Str("connection_id", c.ID()).
						Msg("could not open OSC connection")
				}
			}()
		}
		c.HandleSystemMessage(ctx, address, msg.Args[1:])
		return
	}

	if err := s.manager.Publish(address, msg.Args); err != nil {
		// Apps that send from their listening port are recognizable.
		if c := s.Connection(ConnectionID(host, sourcePort)); c != nil {
			c.ReplyError(err)
			return
		}
		s.logger.Debug().Err(err).Str("address", address).Str("host", host).Msg("rejected OSC message")
	}
}
