// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package validation

import (
	"errors"
	"strings"
	"testing"
)

type listenerConfig struct {
	Port int    `koanf:"port" validate:"gte=0,lte=65535"`
	Path string `koanf:"root_path" validate:"abspath"`
}

type testConfig struct {
	Name     string         `koanf:"name" validate:"required,max=8"`
	Level    string         `koanf:"level" validate:"oneof=debug info"`
	Listener listenerConfig `koanf:"listener"`
	Untagged int            `validate:"gt=0"`
}

func validConfig() testConfig {
	return testConfig{
		Name:     "relay",
		Level:    "info",
		Listener: listenerConfig{Port: 8000, Path: "/"},
		Untagged: 1,
	}
}

func TestGetValidator_Singleton(t *testing.T) {
	v1 := GetValidator()
	v2 := GetValidator()

	if v1 != v2 {
		t.Error("GetValidator() should return the same singleton instance")
	}
	if v1 == nil {
		t.Error("GetValidator() should not return nil")
	}
}

func TestValidateStruct_Valid(t *testing.T) {
	cfg := validConfig()
	if err := ValidateStruct(&cfg); err != nil {
		t.Errorf("ValidateStruct() = %v, want nil", err)
	}
}

func TestValidateStruct_DottedPaths(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*testConfig)
		path    string
		message string
	}{
		{"required", func(c *testConfig) { c.Name = "" }, "name", "is required"},
		{"max string", func(c *testConfig) { c.Name = "much too long" }, "name", "must be at most 8 characters"},
		{"oneof", func(c *testConfig) { c.Level = "loud" }, "level", "must be one of: debug info"},
		{"nested lte", func(c *testConfig) { c.Listener.Port = 70000 }, "listener.port", "must be less than or equal to 65535"},
		{"custom abspath", func(c *testConfig) { c.Listener.Path = "ws" }, "listener.root_path", "must be an absolute path starting with /"},
		{"untagged field", func(c *testConfig) { c.Untagged = 0 }, "untagged", "must be greater than 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := ValidateStruct(&cfg)
			if err == nil {
				t.Fatal("ValidateStruct() = nil, want error")
			}
			got := err.Messages()
			if got[tt.path] != tt.message {
				t.Errorf("Messages()[%q] = %q, want %q (all: %v)", tt.path, got[tt.path], tt.message, got)
			}
		})
	}
}

func TestValidateStruct_Aggregates(t *testing.T) {
	cfg := validConfig()
	cfg.Name = ""
	cfg.Listener.Port = -1

	err := ValidateStruct(&cfg)
	if err == nil {
		t.Fatal("ValidateStruct() = nil, want error")
	}
	fields := err.Fields()
	if len(fields) != 2 {
		t.Fatalf("Fields() = %d, want 2", len(fields))
	}
	if fields[0].Path() != "listener.port" || fields[1].Path() != "name" {
		t.Errorf("paths = %q, %q; want sorted", fields[0].Path(), fields[1].Path())
	}
	if fields[0].Tag() != "gte" || fields[0].Param() != "0" || fields[0].Value() != -1 {
		t.Errorf("field detail = %s/%s/%v", fields[0].Tag(), fields[0].Param(), fields[0].Value())
	}
	if !strings.Contains(err.Error(), "listener.port: ") {
		t.Errorf("Error() = %q, want dotted path prefix", err.Error())
	}
}

func TestError_AddMerge(t *testing.T) {
	var e Error
	if !e.Empty() || e.Err() != nil {
		t.Fatal("zero Error should be empty")
	}

	inner := &Error{}
	inner.Add("url", "is required when kind is nats")
	e.Merge("manager.store", inner)
	e.Add("osc.blobs_port", "must differ from osc.port")

	var target *Error
	if !errors.As(e.Err(), &target) {
		t.Fatal("Err() is not an *Error")
	}
	want := map[string]string{
		"manager.store.url": "is required when kind is nats",
		"osc.blobs_port":    "must differ from osc.port",
	}
	got := e.Messages()
	for path, msg := range want {
		if got[path] != msg {
			t.Errorf("Messages()[%q] = %q, want %q", path, got[path], msg)
		}
	}
}
