// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

/*
Package supervisor runs the relay's long-lived components under a suture v4
supervisor tree.

Three child supervisors hang off the root, one per failure domain:

	oscrelay
	├── store-layer
	│   └── manager-flush      periodic connection store flush
	├── transport-layer
	│   ├── osc-server         UDP/TCP OSC endpoint
	│   └── websocket-server   dedicated websocket listener (optional)
	└── api-layer
	    └── http-server        /metrics, /healthz, /api/v1, websocket

Services that return an error are restarted with suture's backoff policy.
Supervisor events are logged through sutureslog on top of the zerolog
backed slog handler from internal/logging.

Usage:

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{})
	if err != nil {
	    return err
	}
	tree.AddStoreService(services.NewManagerFlushService(manager))
	tree.AddTransportService(services.NewTransportService("osc-server", oscServer))
	tree.AddAPIService(services.NewHTTPServerService(httpServer, 10*time.Second))

	errCh := tree.ServeBackground(ctx)
*/
package supervisor
