// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

/*
Package services adapts relay components to suture.Service.

  - HTTPServerService: an *http.Server, ListenAndServe plus graceful Shutdown.
  - WebSocketService: closes websocket sockets on shutdown and optionally
    runs their dedicated listener.
  - TransportService: anything with Serve(ctx) error, such as the OSC
    server or the blob relay.
  - NewManagerFlushService: the connection manager's flush loop.

Every wrapper implements fmt.Stringer so suture logs a readable name.
*/
package services
