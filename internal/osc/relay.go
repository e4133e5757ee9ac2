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
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/oscrelay/internal/connection"
	"github.com/tomtom215/oscrelay/internal/logging"
	"github.com/tomtom215/oscrelay/internal/metrics"
	"github.com/tomtom215/oscrelay/internal/models"
	"github.com/tomtom215/oscrelay/internal/router"
)

// RelayConfig configures a blob relay process.
type RelayConfig struct {
	// ListenAddr accepts the server's blob stream. Its port is the one apps
	// announce with /sys/configure ["blobClient", port].
	ListenAddr string
	// ServerAddr is the server's blobs port, host:port.
	ServerAddr string
	// AppHost is where local apps listen for UDP. Defaults to 127.0.0.1.
	AppHost string
	// BlobDir receives blob files.
	BlobDir string
	// MaxBlobRate caps bytes per second sent back to the server.
	MaxBlobRate int
}

// Relay runs next to OSC apps and moves blobs between them and the server
// so large payloads never travel as UDP datagrams.
//
// From the server it receives framed messages whose first argument is the
// destination appPort. Blob arguments are written to files in BlobDir and
// replaced by the file path, then the message is sent to the app over UDP.
// A /sys/blob [appPort, path, address, extra...] request makes the relay
// read path and stream address [blob, extra...] back to the server.
type Relay struct {
	cfg    RelayConfig
	logger zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	udp      *net.UDPConn
	toServer *TCPClient
	streams  map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewRelay creates a relay. Nothing is bound until Start.
func NewRelay(cfg RelayConfig) *Relay {
	if cfg.AppHost == "" {
		cfg.AppHost = "127.0.0.1"
	}
	return &Relay{
		cfg:     cfg,
		logger:  logging.WithComponent("blob-relay"),
		streams: make(map[net.Conn]struct{}),
	}
}

// Start creates the blob directory, binds the listener and starts
// accepting server streams.
func (r *Relay) Start(ctx context.Context) error {
	if err := os.MkdirAll(r.cfg.BlobDir, 0o750); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return fmt.Errorf("open relay UDP socket: %w", err)
	}
	listener, err := net.Listen("tcp", r.cfg.ListenAddr)
	if err != nil {
		_ = udp.Close()
		return fmt.Errorf("bind relay port: %w", err)
	}

	r.mu.Lock()
	r.udp = udp
	r.listener = listener
	r.toServer = NewTCPClient(TCPClientConfig{
		Addr:           r.cfg.ServerAddr,
		BytesPerSecond: r.cfg.MaxBlobRate,
		Transport:      "blob",
	})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.acceptLoop()

	r.logger.Info().
		Str("listen", listener.Addr().String()).
		Str("server", r.cfg.ServerAddr).
		Str("blob_dir", r.cfg.BlobDir).
		Msg("blob relay listening")
	return nil
}

// Stop closes the listener, every stream and the server client.
func (r *Relay) Stop() error {
	r.mu.Lock()
	if r.listener != nil {
		_ = r.listener.Close()
	}
	for stream := range r.streams {
		_ = stream.Close()
	}
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.toServer != nil {
		_ = r.toServer.Close()
	}
	if r.udp != nil {
		_ = r.udp.Close()
	}
	return nil
}

// Serve runs the relay until ctx is done.
func (r *Relay) Serve(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := r.Stop(); err != nil {
		return err
	}
	return ctx.Err()
}

// Addr returns the bound listener address, nil before Start.
func (r *Relay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

func (r *Relay) acceptLoop() {
	defer r.wg.Done()
	for {
		stream, err := r.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			metrics.RecordTransportError("blob", "accept")
			r.logger.Warn().Err(err).Msg("relay accept failed")
			continue
		}
		r.mu.Lock()
		r.streams[stream] = struct{}{}
		r.mu.Unlock()

		r.wg.Add(1)
		go r.readStream(stream)
	}
}

func (r *Relay) readStream(stream net.Conn) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.streams, stream)
		r.mu.Unlock()
		_ = stream.Close()
	}()

	for {
		packet, err := ReadFrame(stream)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				r.logger.Warn().Err(err).Msg("relay stream read failed")
			}
			return
		}
		messages, err := Decode(packet)
		if err != nil {
			r.logger.Warn().Err(err).Msg("dropping malformed relay packet")
			continue
		}
		for _, msg := range messages {
			if err := r.handle(msg); err != nil {
				r.logger.Warn().Err(err).Str("address", msg.Address).Msg("relay message failed")
			}
		}
	}
}

func (r *Relay) handle(msg models.Message) error {
	appPort, err := connection.IntArg(msg.Address, msg.Args, 0)
	if err != nil {
		return err
	}
	args := msg.Args[1:]

	if msg.Address == router.SendBlobAddress {
		return r.sendBlob(args)
	}

	out := make(models.Args, len(args))
	for i, arg := range args {
		blob, ok := arg.([]byte)
		if !ok {
			out[i] = arg
			continue
		}
		path, err := r.writeBlob(blob)
		if err != nil {
			return err
		}
		out[i] = path
	}

	addr := &net.UDPAddr{IP: net.ParseIP(r.cfg.AppHost), Port: appPort}
	return NewUDPClient(r.udp, addr).Send(models.Message{Address: msg.Address, Args: out})
}

func (r *Relay) writeBlob(blob []byte) (string, error) {
	path := filepath.Join(r.cfg.BlobDir, uuid.NewString()+".blob")
	if err := os.WriteFile(path, blob, 0o640); err != nil {
		return "", fmt.Errorf("write blob file: %w", err)
	}
	return path, nil
}

// sendBlob handles [path, address, extra...].
func (r *Relay) sendBlob(args models.Args) error {
	path, err := connection.StringArg(router.SendBlobAddress, args, 0)
	if err != nil {
		return err
	}
	address, err := connection.StringArg(router.SendBlobAddress, args, 1)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read blob %s: %w", path, err)
	}

	out := make(models.Args, 0, len(args)-1)
	out = append(out, data)
	out = append(out, args[2:]...)
	r.logger.Debug().Str("path", path).Str("address", address).Int("bytes", len(data)).Msg("streaming blob to server")
	return r.toServer.Send(models.Message{Address: address, Args: out})
}
