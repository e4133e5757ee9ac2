// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/oscrelay/internal/models"
	"github.com/tomtom215/oscrelay/internal/router"
)

// Relay is the part of the connection manager the API reads.
// Satisfied by *connection.Manager.
type Relay interface {
	OpenConnectionIDs(namespace string) []string
	QueuedEvents() int
	LastMessage(address string) router.LastMessage
}

// SocketCounter reports open websocket sockets.
// Satisfied by *websocket.Server.
type SocketCounter interface {
	SocketCount() int
}

// Handler serves the HTTP endpoints.
type Handler struct {
	relay      Relay
	sockets    SocketCounter
	namespaces []string
	startTime  time.Time
	ready      atomic.Bool
}

// NewHandler creates a handler reporting on the given connection
// namespaces. sockets may be nil when websockets are disabled.
func NewHandler(relay Relay, sockets SocketCounter, namespaces ...string) *Handler {
	return &Handler{
		relay:      relay,
		sockets:    sockets,
		namespaces: namespaces,
		startTime:  time.Now(),
	}
}

// SetReady flips the readiness probe. Transports call it once their
// listeners are bound and persisted connections restored.
func (h *Handler) SetReady(ready bool) { h.ready.Store(ready) }

// Health reports connection counts and the persistence backlog.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := models.HealthStatus{
		Status:       "healthy",
		Uptime:       time.Since(h.startTime).Seconds(),
		Connections:  make(map[string]int, len(h.namespaces)),
		QueuedEvents: h.relay.QueuedEvents(),
	}
	if !h.ready.Load() {
		status.Status = "starting"
	}
	for _, ns := range h.namespaces {
		status.Connections[ns] = len(h.relay.OpenConnectionIDs(ns))
	}
	if h.sockets != nil {
		status.Sockets = h.sockets.SocketCount()
	}
	respondJSON(w, http.StatusOK, success(status))
}

// HealthLive returns 200 while the process runs.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, success(map[string]interface{}{
		"alive":  true,
		"uptime": time.Since(h.startTime).Seconds(),
	}))
}

// HealthReady returns 503 until SetReady(true).
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		respondError(w, http.StatusServiceUnavailable, "NOT_READY", "transports are starting", nil)
		return
	}
	respondJSON(w, http.StatusOK, success(map[string]interface{}{"ready": true}))
}

// Connections lists the open connection ids of a namespace.
func (h *Handler) Connections(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	ids := h.relay.OpenConnectionIDs(namespace)
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, success(models.ConnectionList{
		Namespace:   namespace,
		Connections: ids,
	}))
}

// LastMessage returns the last arguments sent to ?address=.
func (h *Handler) LastMessage(w http.ResponseWriter, r *http.Request) {
	address, err := router.Normalize(r.URL.Query().Get("address"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ADDRESS", err.Error(), nil)
		return
	}
	last := h.relay.LastMessage(address)
	if !last.Known {
		respondError(w, http.StatusNotFound, "UNKNOWN_ADDRESS", "address was never used", nil)
		return
	}
	args := last.Args
	if args == nil {
		args = models.Args{}
	}
	respondJSON(w, http.StatusOK, success(models.AddressState{
		Address: address,
		Sent:    last.Sent,
		Args:    args,
	}))
}
