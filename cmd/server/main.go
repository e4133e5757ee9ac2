// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/tomtom215/oscrelay/internal/api"
	"github.com/tomtom215/oscrelay/internal/config"
	"github.com/tomtom215/oscrelay/internal/connection"
	"github.com/tomtom215/oscrelay/internal/logging"
	"github.com/tomtom215/oscrelay/internal/osc"
	"github.com/tomtom215/oscrelay/internal/store"
	"github.com/tomtom215/oscrelay/internal/supervisor"
	"github.com/tomtom215/oscrelay/internal/supervisor/services"
	ws "github.com/tomtom215/oscrelay/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("oscrelay exited")
	}
}

//nolint:gocyclo // sequential startup
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("store", cfg.Manager.Store.Kind).
		Bool("osc", cfg.OSC.Enabled).
		Bool("websocket", cfg.WebSocket.Enabled).
		Msg("Starting oscrelay")

	st, err := store.New(store.Config{
		Kind:        store.Kind(cfg.Manager.Store.Kind),
		Path:        cfg.Manager.Store.Path,
		URL:         cfg.Manager.Store.URL,
		Bucket:      cfg.Manager.Store.Bucket,
		Embedded:    cfg.Manager.Store.Embedded,
		EmbeddedDir: cfg.Manager.Store.EmbeddedDir,
	})
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}

	manager := connection.NewManager(connection.Config{
		CollectStats:       cfg.Manager.CollectStats,
		StoreFlushInterval: cfg.Manager.StoreFlushInterval,
		MaxQueuedEvents:    cfg.Manager.MaxQueuedEvents,
	}, st)

	// The router snapshot must be restored before any transport accepts
	// traffic, so the manager starts outside the tree.
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	err = manager.Start(startCtx)
	cancelStart()
	if err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := manager.Stop(stopCtx); err != nil {
			logging.Error().Err(err).Msg("Error stopping connection manager")
		}
	}()

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: cfg.Supervisor.FailureThreshold,
		FailureDecay:     cfg.Supervisor.FailureDecay,
		FailureBackoff:   cfg.Supervisor.FailureBackoff,
		ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("create supervisor tree: %w", err)
	}

	tree.AddStoreService(services.NewManagerFlushService(manager))

	namespaces := make([]string, 0, 2)

	if cfg.OSC.Enabled {
		oscServer := osc.NewServer(osc.ServerConfig{
			Host:        cfg.OSC.Host,
			Port:        cfg.OSC.Port,
			BlobsPort:   cfg.OSC.BlobsPort,
			MaxBlobRate: cfg.OSC.MaxBlobRate,
		}, manager)
		tree.AddTransportService(services.NewTransportService("osc-server", oscServer))
		namespaces = append(namespaces, osc.Namespace)
	}

	var (
		wsServer  *ws.Server
		wsHandler http.Handler
		sockets   api.SocketCounter
	)
	if cfg.WebSocket.Enabled {
		wsServer = ws.NewServer(ws.ServerConfig{
			RootPath:       cfg.WebSocket.RootPath,
			MaxSockets:     cfg.WebSocket.MaxSockets,
			AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		}, manager)
		sockets = wsServer
		namespaces = append(namespaces, ws.Namespace)

		var listener services.HTTPServer
		if cfg.WebSocket.Port == 0 {
			wsHandler = wsServer
		} else {
			listener = &http.Server{
				Addr:              net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.WebSocket.Port)),
				Handler:           websocketMux(cfg.WebSocket.RootPath, wsServer),
				ReadHeaderTimeout: 10 * time.Second,
			}
		}
		tree.AddTransportService(services.NewWebSocketService(wsServer, listener, cfg.HTTP.ShutdownTimeout))
	}

	handler := api.NewHandler(manager, sockets, namespaces...)
	server := &http.Server{
		Addr: net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port)),
		Handler: api.NewRouter(api.RouterConfig{
			AllowedOrigins: cfg.WebSocket.AllowedOrigins,
			WebSocketPath:  cfg.WebSocket.RootPath,
			WebSocket:      wsHandler,
		}, handler),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.HTTP.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		handler.SetReady(false)
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)
	handler.SetReady(true)

	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree error")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
	}

	logging.Info().Msg("oscrelay stopped")
	return nil
}

// websocketMux serves only the websocket path on a dedicated listener.
func websocketMux(path string, h http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Handle(path, h)
	return r
}
