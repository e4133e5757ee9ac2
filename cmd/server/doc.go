// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

/*
Command server runs the oscrelay message relay.

Startup order:

 1. Configuration: koanf defaults, config.yaml (or CONFIG_PATH), OSCRELAY_* env
 2. Logging: zerolog, json or console
 3. Store: memory, Badger file store, or NATS JetStream KV (optionally embedded)
 4. Connection manager: router snapshot restored before any transport starts
 5. Supervisor tree

The tree is laid out as follows:

	oscrelay
	├── store-layer
	│   └── manager-flush
	├── transport-layer
	│   ├── osc-server        (osc.enabled)
	│   └── websocket-server  (websocket.enabled)
	└── api-layer
	    └── http-server       /metrics, /healthz, /api/v1, websocket at root_path

On SIGINT or SIGTERM the readiness probe turns unhealthy, the tree stops
every service within supervisor.shutdown_timeout, and the manager runs a
final flush before the store closes.

Example:

	OSCRELAY_MANAGER_STORE_KIND=file \
	OSCRELAY_MANAGER_STORE_PATH=/var/lib/oscrelay \
	OSCRELAY_OSC_PORT=9000 \
	./oscrelay
*/
package main
