// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Manager.Store.Kind != StoreMemory {
		t.Errorf("Manager.Store.Kind = %q, want memory", cfg.Manager.Store.Kind)
	}
	if cfg.Manager.StoreFlushInterval != 20*time.Second {
		t.Errorf("Manager.StoreFlushInterval = %v, want 20s", cfg.Manager.StoreFlushInterval)
	}
	if cfg.OSC.Port != 9000 || cfg.OSC.BlobsPort != 44444 {
		t.Errorf("OSC ports = %d/%d, want 9000/44444", cfg.OSC.Port, cfg.OSC.BlobsPort)
	}
	if cfg.WebSocket.RootPath != "/" || cfg.WebSocket.MaxSockets != 5000 {
		t.Errorf("WebSocket = %+v", cfg.WebSocket)
	}
	if cfg.HTTP.Port != 8000 {
		t.Errorf("HTTP.Port = %d, want 8000", cfg.HTTP.Port)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Supervisor.FailureBackoff != 15*time.Second {
		t.Errorf("Supervisor.FailureBackoff = %v, want 15s", cfg.Supervisor.FailureBackoff)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
manager:
  store:
    kind: file
    path: /var/lib/oscrelay
  collect_stats: true
  store_flush_interval: 5s
osc:
  port: 57120
websocket:
  max_sockets: 2
  allowed_origins:
    - https://a.example
    - https://b.example
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Manager.Store.Kind != StoreFile || cfg.Manager.Store.Path != "/var/lib/oscrelay" {
		t.Errorf("Manager.Store = %+v", cfg.Manager.Store)
	}
	if !cfg.Manager.CollectStats {
		t.Error("Manager.CollectStats = false, want true")
	}
	if cfg.Manager.StoreFlushInterval != 5*time.Second {
		t.Errorf("StoreFlushInterval = %v, want 5s", cfg.Manager.StoreFlushInterval)
	}
	if cfg.OSC.Port != 57120 {
		t.Errorf("OSC.Port = %d, want 57120", cfg.OSC.Port)
	}
	if cfg.OSC.BlobsPort != 44444 {
		t.Errorf("OSC.BlobsPort = %d, default should survive", cfg.OSC.BlobsPort)
	}
	want := []string{"https://a.example", "https://b.example"}
	if !reflect.DeepEqual(cfg.WebSocket.AllowedOrigins, want) {
		t.Errorf("AllowedOrigins = %v, want %v", cfg.WebSocket.AllowedOrigins, want)
	}
}

func TestLoadFile_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "osc:\n  port: 7000\n")
	t.Setenv("OSCRELAY_OSC_PORT", "7001")
	t.Setenv("OSCRELAY_OSC_BLOBS_PORT", "7002")
	t.Setenv("OSCRELAY_MANAGER_STORE_FLUSH_INTERVAL", "1m")
	t.Setenv("OSCRELAY_WEBSOCKET_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("OSCRELAY_UNKNOWN_SETTING", "ignored")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.OSC.Port != 7001 || cfg.OSC.BlobsPort != 7002 {
		t.Errorf("OSC ports = %d/%d, want 7001/7002", cfg.OSC.Port, cfg.OSC.BlobsPort)
	}
	if cfg.Manager.StoreFlushInterval != time.Minute {
		t.Errorf("StoreFlushInterval = %v, want 1m", cfg.Manager.StoreFlushInterval)
	}
	want := []string{"https://a.example", "https://b.example"}
	if !reflect.DeepEqual(cfg.WebSocket.AllowedOrigins, want) {
		t.Errorf("AllowedOrigins = %v, want %v", cfg.WebSocket.AllowedOrigins, want)
	}
}

func TestLoadFile_LegacyStore(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		env      string
		wantKind string
		wantPath string
	}{
		{
			name:     "bare path in file",
			file:     "manager:\n  store: /data/relay\n",
			wantKind: StoreFile,
			wantPath: "/data/relay",
		},
		{
			name:     "empty string in file",
			file:     "manager:\n  store: \"\"\n",
			wantKind: StoreMemory,
		},
		{
			name:     "bare path in env",
			file:     "osc:\n  port: 9000\n",
			env:      "/env/relay",
			wantKind: StoreFile,
			wantPath: "/env/relay",
		},
		{
			name:     "tagged form untouched",
			file:     "manager:\n  store:\n    kind: nats\n    embedded: true\n",
			wantKind: StoreNATS,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.env != "" {
				t.Setenv("OSCRELAY_MANAGER_STORE", tt.env)
			}
			cfg, err := LoadFile(writeConfig(t, tt.file))
			if err != nil {
				t.Fatalf("LoadFile() error = %v", err)
			}
			if cfg.Manager.Store.Kind != tt.wantKind || cfg.Manager.Store.Path != tt.wantPath {
				t.Errorf("Store = %+v, want kind %q path %q", cfg.Manager.Store, tt.wantKind, tt.wantPath)
			}
		})
	}
}

func TestLoadFile_ValidationAggregates(t *testing.T) {
	path := writeConfig(t, `
manager:
  store:
    kind: disk
osc:
  port: 70000
websocket:
  root_path: ws
  max_sockets: 0
logging:
  level: chatty
`)

	_, err := LoadFile(path)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("LoadFile() error = %v, want *ValidationError", err)
	}
	got := verr.Messages()
	for _, path := range []string{
		"manager.store.kind",
		"osc.port",
		"websocket.root_path",
		"websocket.max_sockets",
		"logging.level",
	} {
		if _, ok := got[path]; !ok {
			t.Errorf("missing error for %s (got %v)", path, got)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		wantPath string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"file store without path", func(c *Config) { c.Manager.Store.Kind = StoreFile }, "manager.store.path"},
		{"external nats without url", func(c *Config) {
			c.Manager.Store.Kind = StoreNATS
			c.Manager.Store.URL = ""
		}, "manager.store.url"},
		{"embedded nats without url", func(c *Config) {
			c.Manager.Store.Kind = StoreNATS
			c.Manager.Store.Embedded = true
			c.Manager.Store.URL = ""
		}, ""},
		{"websocket port clashes with http", func(c *Config) { c.WebSocket.Port = c.HTTP.Port }, "websocket.port"},
		{"osc enabled without port", func(c *Config) { c.OSC.Port = 0 }, "osc.port"},
		{"osc disabled without port", func(c *Config) {
			c.OSC.Enabled = false
			c.OSC.Port = 0
		}, ""},
		{"zero flush interval", func(c *Config) { c.Manager.StoreFlushInterval = 0 }, "manager.store_flush_interval"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"blob relay without port", func(c *Config) { c.BlobRelay.ServerAddr = "localhost" }, "blob_relay.server_addr"},
		{"blob relay without dir", func(c *Config) { c.BlobRelay.BlobDir = "" }, "blob_relay.blob_dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantPath == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() error = %v, want *ValidationError", err)
			}
			if _, ok := verr.Messages()[tt.wantPath]; !ok {
				t.Errorf("Validate() = %v, want an error at %s", err, tt.wantPath)
			}
		})
	}
}

func TestLoadFile_Errors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadFile(missing) error = nil")
	}
	if _, err := LoadFile(writeConfig(t, "osc: [unclosed")); err == nil {
		t.Error("LoadFile(invalid yaml) error = nil")
	}
}

func TestFindConfigFile(t *testing.T) {
	path := writeConfig(t, "{}\n")
	t.Setenv(ConfigPathEnvVar, path)
	if got := findConfigFile(); got != path {
		t.Errorf("findConfigFile() = %q, want %q", got, path)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OSC.Port != 9000 {
		t.Errorf("OSC.Port = %d", cfg.OSC.Port)
	}
}
