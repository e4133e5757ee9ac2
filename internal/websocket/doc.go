// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

/*
Package websocket is the browser-facing transport of the relay.

A logical Connection may own several physical sockets at once, for
example several tabs presenting the same id. Messages routed to the
connection are written to every socket; the connection closes when its
last socket goes away.

Key Components:

  - Server: upgrades HTTP requests and enforces the socket cap
  - Connection: the logical connection registered with the manager
  - socket: one physical socket with its read and write pumps
  - Client: a reconnecting Go client, used by tools and tests

Handshake:

Every accepted socket first receives a connect envelope carrying its id:

	{"command":"connect","status":0,"id":"3f0c..."}

A socket above the cap receives a refusal and a 1013 close frame:

	{"command":"connect","status":1,"error":"the server is full"}

Messages:

Messages travel as JSON text frames:

	{"command":"message","address":"/mixer/fader/1","args":[0.5]}

JSON has no binary type, so a message carrying a blob argument travels
as an OSC packet in a binary frame instead. Inbound binary frames may
also be OSC bundles.

Thread Safety:

Connection.Write never blocks on the network. Frames are queued on each
socket's buffered send channel and written by that socket's write pump;
a full buffer fails the write for that socket only.
*/
package websocket
