// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

// Package api serves the relay's HTTP surface with the Chi router: health
// probes, Prometheus metrics, a small read-only JSON API and, when it
// shares the HTTP server, the websocket endpoint.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/oscrelay/internal/middleware"
)

// RouterConfig selects what the router mounts.
type RouterConfig struct {
	// AllowedOrigins feeds CORS for the JSON API. Empty allows none.
	AllowedOrigins []string

	// WebSocketPath and WebSocket mount the websocket handler. A nil
	// handler mounts nothing.
	WebSocketPath string
	WebSocket     http.Handler
}

// NewRouter configures all HTTP routes.
func NewRouter(cfg RouterConfig, h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.PrometheusMetrics)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/healthz", func(r chi.Router) {
		r.Get("/", h.Health)
		r.Get("/live", h.HealthLive)
		r.Get("/ready", h.HealthReady)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(NewCORS(cfg.AllowedOrigins))
		r.Use(APISecurityHeaders())
		r.Use(middleware.Compression)
		r.Get("/connections/{namespace}", h.Connections)
		r.Get("/addresses/last", h.LastMessage)
	})

	if cfg.WebSocket != nil {
		path := cfg.WebSocketPath
		if path == "" {
			path = "/"
		}
		r.Handle(path, cfg.WebSocket)
	}

	return r
}
