// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/oscrelay/internal/config"
	"github.com/tomtom215/oscrelay/internal/logging"
	"github.com/tomtom215/oscrelay/internal/osc"
	"github.com/tomtom215/oscrelay/internal/supervisor"
	"github.com/tomtom215/oscrelay/internal/supervisor/services"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("blob relay exited")
	}
}

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

	relay := osc.NewRelay(osc.RelayConfig{
		ListenAddr:  cfg.BlobRelay.ListenAddr,
		ServerAddr:  cfg.BlobRelay.ServerAddr,
		AppHost:     cfg.BlobRelay.AppHost,
		BlobDir:     cfg.BlobRelay.BlobDir,
		MaxBlobRate: cfg.BlobRelay.MaxBlobRate,
	})

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: cfg.Supervisor.FailureThreshold,
		FailureDecay:     cfg.Supervisor.FailureDecay,
		FailureBackoff:   cfg.Supervisor.FailureBackoff,
		ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("create supervisor tree: %w", err)
	}
	tree.AddTransportService(services.NewTransportService("blob-relay", relay))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("listen", cfg.BlobRelay.ListenAddr).
		Str("server", cfg.BlobRelay.ServerAddr).
		Str("blob_dir", cfg.BlobRelay.BlobDir).
		Msg("Starting blob relay")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor tree: %w", err)
	}
	logging.Info().Msg("blob relay stopped")
	return nil
}
