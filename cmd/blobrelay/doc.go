// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

/*
Command blobrelay runs next to OSC apps and carries blobs between them and
an oscrelay server over TCP, so blobs never travel as UDP datagrams.

It reads the same configuration as the server; only the blob_relay,
logging and supervisor sections apply:

	blob_relay:
	  listen_addr: 127.0.0.1:44445   # apps announce this port with /sys/configure
	  server_addr: relay.example:44444
	  app_host: 127.0.0.1
	  blob_dir: /var/tmp/oscrelay-blobs
	  max_blob_rate: 0

An app registers the relay with

	/sys/configure ["blobClient", 44445]

after which messages carrying blobs reach the app with each blob replaced by
the path of a file in blob_dir. The app sends a blob with

	/sys/blob [appPort, "/path/to/file", "/some/address", extra...]

and the relay streams /some/address [blob, extra...] to the server.
*/
package main
