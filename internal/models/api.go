// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package models

import "time"

// APIResponse is the wrapper of every HTTP API response.
//
//	{
//	  "status": "success",
//	  "data": {"namespace": "osc", "connections": ["127.0.0.1:9001"]},
//	  "metadata": {"timestamp": "2026-01-02T12:00:00Z"}
//	}
type APIResponse struct {
	Status   string      `json:"status"`
	Data     interface{} `json:"data"`
	Metadata Metadata    `json:"metadata"`
	Error    *APIError   `json:"error,omitempty"`
}

// Metadata accompanies every response.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthStatus is the body of the health endpoint.
type HealthStatus struct {
	Status       string         `json:"status"`
	Uptime       float64        `json:"uptime_seconds"`
	Connections  map[string]int `json:"connections"`
	Sockets      int            `json:"websocket_sockets"`
	QueuedEvents int            `json:"queued_events"`
}

// ConnectionList is the body of the connection listing endpoint.
type ConnectionList struct {
	Namespace   string   `json:"namespace"`
	Connections []string `json:"connections"`
}

// AddressState is the body of the last-message endpoint.
type AddressState struct {
	Address string `json:"address"`
	Sent    bool   `json:"sent"`
	Args    Args   `json:"args"`
}
