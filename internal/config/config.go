// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package config

import "time"

// Store kinds accepted in manager.store.kind.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreNATS   = "nats"
)

// Config holds all application configuration.
type Config struct {
	Manager    ManagerConfig    `koanf:"manager"`
	OSC        OSCConfig        `koanf:"osc"`
	WebSocket  WebSocketConfig  `koanf:"websocket"`
	HTTP       HTTPConfig       `koanf:"http"`
	BlobRelay  BlobRelayConfig  `koanf:"blob_relay"`
	Logging    LoggingConfig    `koanf:"logging"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
}

// ManagerConfig configures the connection manager and its persistence.
//
// Environment Variables:
//   - OSCRELAY_MANAGER_STORE_KIND: memory, file or nats (default: memory)
//   - OSCRELAY_MANAGER_STORE_PATH: data directory of the file store
//   - OSCRELAY_MANAGER_COLLECT_STATS: record open/close events (default: false)
//   - OSCRELAY_MANAGER_STORE_FLUSH_INTERVAL: e.g. 20s
type ManagerConfig struct {
	Store StoreConfig `koanf:"store"`

	// CollectStats queues an event per connection open and close.
	CollectStats bool `koanf:"collect_stats"`

	// StoreFlushInterval is the period of the router snapshot and event flush.
	StoreFlushInterval time.Duration `koanf:"store_flush_interval" validate:"gt=0"`

	// MaxQueuedEvents bounds events held between flushes. Zero means unbounded.
	MaxQueuedEvents int `koanf:"max_queued_events" validate:"gte=0"`
}

// StoreConfig selects the persistence backend. A bare string in a config
// file (manager.store: /var/lib/oscrelay) is read as a file store at that
// path.
type StoreConfig struct {
	Kind string `koanf:"kind" validate:"oneof=memory file nats"`

	// Path is the Badger directory for kind "file".
	Path string `koanf:"path" validate:"required_if=Kind file"`

	// URL of the NATS server for kind "nats" unless Embedded is set.
	URL string `koanf:"url"`

	// Bucket is the JetStream key/value bucket name.
	Bucket string `koanf:"bucket"`

	// Embedded runs an in-process NATS server for kind "nats".
	Embedded bool `koanf:"embedded"`

	// EmbeddedDir is the JetStream directory of the embedded server.
	EmbeddedDir string `koanf:"embedded_dir"`
}

// OSCConfig configures the OSC transport.
//
// Environment Variables:
//   - OSCRELAY_OSC_ENABLED (default: true)
//   - OSCRELAY_OSC_PORT: UDP port (default: 9000)
//   - OSCRELAY_OSC_BLOBS_PORT: TCP port for blob relays (default: 44444)
type OSCConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port" validate:"gte=0,lte=65535"`

	BlobsPort int `koanf:"blobs_port" validate:"gte=0,lte=65535"`

	// MaxBlobRate caps bytes per second to each relay. Zero is unlimited.
	MaxBlobRate int `koanf:"max_blob_rate" validate:"gte=0"`
}

// WebSocketConfig configures the websocket transport.
//
// Environment Variables:
//   - OSCRELAY_WEBSOCKET_ENABLED (default: true)
//   - OSCRELAY_WEBSOCKET_PORT: own listener; 0 shares the HTTP server
//   - OSCRELAY_WEBSOCKET_MAX_SOCKETS (default: 5000)
//   - OSCRELAY_WEBSOCKET_ALLOWED_ORIGINS: comma-separated
type WebSocketConfig struct {
	Enabled  bool   `koanf:"enabled"`
	RootPath string `koanf:"root_path" validate:"abspath"`

	// MaxSockets is the hard cap on open sockets.
	MaxSockets int `koanf:"max_sockets" validate:"gt=0"`

	// Port of a dedicated listener. Zero mounts the handler on the HTTP
	// server at RootPath.
	Port int `koanf:"port" validate:"gte=0,lte=65535"`

	AllowedOrigins []string `koanf:"allowed_origins"`
}

// HTTPConfig configures the HTTP server carrying metrics and health
// endpoints, and the websocket handler unless it has its own port.
type HTTPConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"gte=1,lte=65535"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// BlobRelayConfig configures the oscrelay-blobrelay process that runs next
// to OSC apps. The server ignores this section.
//
// Environment Variables:
//   - OSCRELAY_BLOB_RELAY_LISTEN_ADDR: where the server's stream arrives
//   - OSCRELAY_BLOB_RELAY_SERVER_ADDR: the server's blobs port, host:port
//   - OSCRELAY_BLOB_RELAY_BLOB_DIR: directory receiving blob files
type BlobRelayConfig struct {
	ListenAddr  string `koanf:"listen_addr" validate:"required,hostname_port"`
	ServerAddr  string `koanf:"server_addr" validate:"required,hostname_port"`
	AppHost     string `koanf:"app_host"`
	BlobDir     string `koanf:"blob_dir" validate:"required"`
	MaxBlobRate int    `koanf:"max_blob_rate" validate:"gte=0"`
}

// LoggingConfig holds logging settings for zerolog.
//
// Environment Variables:
//   - OSCRELAY_LOGGING_LEVEL: trace, debug, info, warn, error (default: info)
//   - OSCRELAY_LOGGING_FORMAT: json, console (default: json)
//   - OSCRELAY_LOGGING_CALLER: include caller file:line (default: false)
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// SupervisorConfig tunes the suture supervisor tree.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold" validate:"gt=0"`
	FailureDecay     float64       `koanf:"failure_decay" validate:"gt=0"`
	FailureBackoff   time.Duration `koanf:"failure_backoff" validate:"gt=0"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// defaultConfig returns a Config with every default applied. Defaults are
// loaded first and overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Manager: ManagerConfig{
			Store: StoreConfig{
				Kind:        StoreMemory,
				Bucket:      "oscrelay",
				URL:         "nats://127.0.0.1:4222",
				EmbeddedDir: "/data/nats",
			},
			CollectStats:       false,
			StoreFlushInterval: 20 * time.Second,
			MaxQueuedEvents:    1000,
		},
		OSC: OSCConfig{
			Enabled:   true,
			Host:      "0.0.0.0",
			Port:      9000,
			BlobsPort: 44444,
		},
		WebSocket: WebSocketConfig{
			Enabled:    true,
			RootPath:   "/",
			MaxSockets: 5000,
			Port:       0,
		},
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ShutdownTimeout: 10 * time.Second,
		},
		BlobRelay: BlobRelayConfig{
			ListenAddr: "127.0.0.1:44445",
			ServerAddr: "127.0.0.1:44444",
			AppHost:    "127.0.0.1",
			BlobDir:    "/tmp/oscrelay-blobs",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5.0,
			FailureDecay:     30.0,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}
