// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

/*
Package config provides centralized configuration management for Oscrelay.

# Configuration Sources

Configuration is layered with koanf, later layers overriding earlier ones:

 1. Built-in defaults (defaultConfig)
 2. A YAML file: CONFIG_PATH, else the first of DefaultConfigPaths
 3. OSCRELAY_ prefixed environment variables

Every config path has one environment variable, the path upper-cased
with dots replaced by underscores:

	osc.blobs_port                 OSCRELAY_OSC_BLOBS_PORT
	manager.store.kind             OSCRELAY_MANAGER_STORE_KIND
	websocket.allowed_origins      OSCRELAY_WEBSOCKET_ALLOWED_ORIGINS (comma-separated)

# Example File

	manager:
	  store:
	    kind: file
	    path: /var/lib/oscrelay
	  collect_stats: true
	  store_flush_interval: 20s
	osc:
	  port: 9000
	  blobs_port: 44444
	websocket:
	  root_path: /
	  max_sockets: 500
	http:
	  port: 8000

The blob_relay section is read only by the blob relay command:

	blob_relay:
	  listen_addr: 127.0.0.1:44445
	  server_addr: relay.example:44444
	  blob_dir: /var/tmp/oscrelay-blobs

Older files give the store as a bare directory. It is read as a file store:

	manager:
	  store: /var/lib/oscrelay

# Validation

Load validates the result and returns a *ValidationError listing every
invalid field by its dotted path, e.g.

	manager.store.kind: must be one of: memory file nats; osc.port: must be less than or equal to 65535
*/
package config
