// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package config

import (
	"fmt"

	"github.com/tomtom215/oscrelay/internal/validation"
)

// ValidationError maps dotted config paths to messages. Every invalid
// field is reported at once.
type ValidationError = validation.Error

// Validate checks struct tags, then the rules spanning several fields.
// It returns a *ValidationError or nil.
func (c *Config) Validate() error {
	verr := validation.ValidateStruct(c)
	if verr == nil {
		verr = &validation.Error{}
	}

	store := c.Manager.Store
	if store.Kind == StoreNATS && !store.Embedded && store.URL == "" {
		verr.Add("manager.store.url", "is required when kind is nats and embedded is false")
	}
	if store.Kind == StoreNATS && store.Bucket == "" {
		verr.Add("manager.store.bucket", "is required when kind is nats")
	}
	if c.WebSocket.Enabled && c.WebSocket.Port != 0 && c.WebSocket.Port == c.HTTP.Port {
		verr.Add("websocket.port", fmt.Sprintf("must differ from http.port %d; use 0 to share the HTTP server", c.HTTP.Port))
	}
	if c.OSC.Enabled && c.OSC.Port == 0 {
		verr.Add("osc.port", "is required when osc is enabled")
	}

	return verr.Err()
}
