// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

/*
Package models defines the data shared across the relay.

Key Components:

  - Message, Args: a routed message and its typed arguments
  - ConnectionRecord, NodeState, ManagerState: persisted state
  - Event: a connection open or close, collected when stats are on
  - APIResponse: the HTTP API response wrapper
*/
package models
