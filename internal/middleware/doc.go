// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

/*
Package middleware holds transport-agnostic HTTP middleware for the relay's
chi router.

  - PrometheusMetrics: request duration by method, chi route pattern and
    status, plus an in-flight gauge.
  - Compression: gzip for JSON API responses. Upgrade requests pass
    through untouched so websocket handshakes can still hijack.

Both take and return http.Handler so they plug into chi's Use:

	r.Use(middleware.PrometheusMetrics)
	r.Route("/api/v1", func(r chi.Router) {
	    r.Use(middleware.Compression)
	})
*/
package middleware
