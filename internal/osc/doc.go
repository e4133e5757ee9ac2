// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

/*
Package osc implements the OSC transport of the relay.

# Channels

Control traffic and small messages travel as one UDP datagram per message
on the server's Port. Binary payloads travel over TCP: every OSC app may
run (or share) a blob relay process and announce its port with

	/sys/configure [appPort, "blobClient", relayPort]

Once configured, outbound messages carrying a blob go to the relay with the
destination appPort prepended; all others keep using UDP. Relays stream
messages back to the server's BlobsPort, where they are republished as if
they had arrived over UDP.

# Identity

UDP has no session, so a connection is identified by the sender IP plus
the appPort carried as first argument of every system message. Identities
are stable across restarts: on Start the server reconstructs every OSC
connection the store knows before reading any packet.

# Framing

TCP streams use the OSC 1.0 int32 big-endian size prefix. Large frames are
written in ChunkSize pieces through a rate limiter.
*/
package osc
