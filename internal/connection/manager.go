// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

// Package connection implements the connection manager and the session
// shared by every transport.
//
// The Manager owns the address router, the registry of open sessions, the
// queue of pending stat events and the persistence store. All router and
// registry mutations happen under one mutex, so fan-out for a given Send
// runs to completion before any other mutation is observed. Transport
// writes issued during fan-out must therefore never call back into the
// Manager synchronously.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/oscrelay/internal/logging"
	"github.com/tomtom215/oscrelay/internal/metrics"
	"github.com/tomtom215/oscrelay/internal/models"
	"github.com/tomtom215/oscrelay/internal/router"
	"github.com/tomtom215/oscrelay/internal/store"
)

const (
	// DefaultStoreFlushInterval is the period of the persistence flush.
	DefaultStoreFlushInterval = 20 * time.Second
	// DefaultMaxQueuedEvents bounds the stat event queue.
	DefaultMaxQueuedEvents = 1000
	// connectionUpdateTimeout bounds one background record write.
	connectionUpdateTimeout = 30 * time.Second
)

var (
	// ErrIdentityConflict is returned by Open when (namespace, id) is
	// already open.
	ErrIdentityConflict = errors.New("connection identity already open")

	// ErrNotOpen is returned by Close for a connection that is not open.
	ErrNotOpen = errors.New("connection is not open")

	// ErrInvalidConnection is returned by Open for a connection without a
	// namespace, or without an id when auto id is disabled.
	ErrInvalidConnection = errors.New("invalid connection")
)

// Config configures a Manager.
type Config struct {
	// CollectStats enables open/close events in the event log.
	CollectStats bool
	// StoreFlushInterval is the period of the persistence flush loop.
	StoreFlushInterval time.Duration
	// MaxQueuedEvents bounds the stat queue. The oldest event is dropped
	// on overflow.
	MaxQueuedEvents int
}

type identity struct {
	namespace string
	id        string
}

// pendingUpdate tracks the background writer of one identity's record.
// dirty is set when the record changed since the writer last read it.
type pendingUpdate struct {
	session *Session
	dirty   bool
	done    chan struct{}
}

// Manager arbitrates connection lifecycle, subscriptions, routing and
// batched persistence.
type Manager struct {
	cfg    Config
	store  store.Store
	logger zerolog.Logger

	mu      sync.Mutex
	router  *router.Router
	open    []*Session
	byID    map[identity]*Session
	claimed map[identity]struct{}
	events  []models.Event

	// flushMu keeps at most one flush in flight.
	flushMu sync.Mutex

	updateMu sync.Mutex
	updates  map[identity]*pendingUpdate
}

// NewManager creates a manager over st. Zero config values take defaults.
func NewManager(cfg Config, st store.Store) *Manager {
	if cfg.StoreFlushInterval <= 0 {
		cfg.StoreFlushInterval = DefaultStoreFlushInterval
	}
	if cfg.MaxQueuedEvents <= 0 {
		cfg.MaxQueuedEvents = DefaultMaxQueuedEvents
	}
	if st == nil {
		st = store.NewMemoryStore()
	}
	return &Manager{
		cfg:     cfg,
		store:   st,
		logger:  logging.WithComponent("manager"),
		router:  router.New(),
		byID:    make(map[identity]*Session),
		claimed: make(map[identity]struct{}),
		updates: make(map[identity]*pendingUpdate),
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Start starts the store and restores the previous router snapshot. It
// must complete before any traffic is accepted.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.store.Start(ctx); err != nil {
		return fmt.Errorf("start store: %w", err)
	}

	state, err := m.store.ManagerRestore(ctx)
	if err != nil {
		// A missing snapshot only costs resend freshness.
		m.logger.Warn().Err(err).Msg("could not restore router snapshot")
		return nil
	}
	if state == nil {
		m.logger.Info().Msg("no router snapshot to restore")
		return nil
	}

	m.mu.Lock()
	m.router.Restore(state.Nodes)
	m.mu.Unlock()

	m.logger.Info().
		Int("nodes", len(state.Nodes)).
		Time("saved_at", state.SavedAt).
		Msg("router snapshot restored")
	return nil
}

// Stop waits for pending connection updates, performs a final flush and
// stops the store.
func (m *Manager) Stop(ctx context.Context) error {
	if err := m.WaitUpdates(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("connection updates still pending at stop")
	}
	flushErr := m.Flush(ctx)
	if flushErr != nil {
		m.logger.Warn().Err(flushErr).Msg("final flush failed")
	}
	if err := m.store.Stop(ctx); err != nil {
		return fmt.Errorf("stop store: %w", err)
	}
	return nil
}

// Open registers s. The store either inserts a new record or restores s
// from an existing one, in which case every restored subscription is
// re-subscribed. On success the open broadcast is published and, when
// stats are collected, an open event is queued.
//
// Open fails with ErrIdentityConflict if (namespace, id) is already open
// or being opened; s then stays closed.
func (m *Manager) Open(ctx context.Context, s *Session) error {
	if s.Namespace() == "" {
		return fmt.Errorf("%w: missing namespace", ErrInvalidConnection)
	}
	if s.ID() == "" && !s.AutoID() {
		return fmt.Errorf("%w: missing id", ErrInvalidConnection)
	}

	var claim identity
	if s.ID() != "" {
		claim = identity{s.Namespace(), s.ID()}
		if err := m.claim(claim); err != nil {
			return err
		}
	}
	release := func() {
		if claim.id != "" {
			m.mu.Lock()
			delete(m.claimed, claim)
			m.mu.Unlock()
		}
	}

	// A reopened identity restores its latest record, not one that a
	// background write is about to replace.
	if err := m.awaitUpdate(ctx, claim); err != nil {
		release()
		return err
	}
	if err := m.store.ConnectionInsertOrRestore(ctx, s); err != nil {
		release()
		return fmt.Errorf("insert or restore %s/%s: %w", s.Namespace(), s.ID(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if claim.id != "" {
		delete(m.claimed, claim)
	}

	key := identity{s.Namespace(), s.ID()}
	if _, taken := m.byID[key]; taken {
		metrics.IdentityConflicts.WithLabelValues(key.namespace).Inc()
		return fmt.Errorf("%w: %s/%s", ErrIdentityConflict, key.namespace, key.id)
	}

	for _, address := range s.Subscriptions() {
		if err := m.router.Subscribe(s, address); err != nil {
			m.logger.Warn().Err(err).
				Str("connection_id", key.id).
				Str("address", address).
				Msg("dropping invalid restored subscription")
		}
	}

	m.byID[key] = s
	m.open = append(m.open, s)
	metrics.OpenConnections.WithLabelValues(key.namespace).Inc()

	if err := m.router.Send(router.ConnectionOpenAddress(key.namespace), models.Args{key.id}); err != nil {
		m.logger.Warn().Err(err).Msg("open broadcast failed")
	}
	m.enqueueEventLocked(key, models.EventOpen)

	m.logger.Info().
		Str("namespace", key.namespace).
		Str("connection_id", key.id).
		Int("subscriptions", len(s.Subscriptions())).
		Msg("connection opened")
	return nil
}

func (m *Manager) claim(key identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, open := m.byID[key]
	_, pending := m.claimed[key]
	if open || pending {
		metrics.IdentityConflicts.WithLabelValues(key.namespace).Inc()
		return fmt.Errorf("%w: %s/%s", ErrIdentityConflict, key.namespace, key.id)
	}
	m.claimed[key] = struct{}{}
	return nil
}

// Close deregisters s, removes it from every subscriber set and publishes
// the close broadcast.
func (m *Manager) Close(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := identity{s.Namespace(), s.ID()}
	if m.byID[key] != s {
		return fmt.Errorf("%w: %s/%s", ErrNotOpen, key.namespace, key.id)
	}
	delete(m.byID, key)
	for i, open := range m.open {
		if open == s {
			m.open = append(m.open[:i], m.open[i+1:]...)
			break
		}
	}
	m.router.RemoveConnection(s)
	metrics.OpenConnections.WithLabelValues(key.namespace).Dec()

	if err := m.router.Send(router.ConnectionCloseAddress(key.namespace), models.Args{key.id}); err != nil {
		m.logger.Warn().Err(err).Msg("close broadcast failed")
	}
	m.enqueueEventLocked(key, models.EventClose)

	m.logger.Info().
		Str("namespace", key.namespace).
		Str("connection_id", key.id).
		Msg("connection closed")
	return nil
}

// Send routes a message through the router. Every subscriber write is
// issued before Send returns.
func (m *Manager) Send(address string, args models.Args) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.router.Send(address, args)
}

// Publish is Send for client-originated messages: the broadcast prefix is
// reserved for the manager's own lifecycle notifications.
func (m *Manager) Publish(address string, args models.Args) error {
	normalized, err := router.Normalize(address)
	if err != nil {
		return err
	}
	if router.IsBroadcast(normalized) {
		return &router.ProtocolError{
			Address: normalized,
			Reason:  "clients cannot send to broadcast addresses",
			Err:     router.ErrReservedAddress,
		}
	}
	return m.Send(normalized, args)
}

// Subscribe subscribes s to address.
func (m *Manager) Subscribe(s *Session, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.router.Subscribe(s, address)
}

// LastMessage returns what was last sent to exactly address.
func (m *Manager) LastMessage(address string) router.LastMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.router.LastMessage(address)
}

// OpenConnectionIDs returns the ids open in namespace, in open order.
func (m *Manager) OpenConnectionIDs(namespace string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0)
	for _, s := range m.open {
		if s.Namespace() == namespace {
			ids = append(ids, s.ID())
		}
	}
	return ids
}

// StoredConnectionIDs lists every identity the store knows in namespace,
// open or not.
func (m *Manager) StoredConnectionIDs(ctx context.Context, namespace string) ([]string, error) {
	ids, err := m.store.ConnectionIDList(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("list stored %s connections: %w", namespace, err)
	}
	return ids, nil
}

// ConnectionUpdate persists the current record of s in the background and
// returns immediately. Updates of one identity are written by a single
// goroutine that reads the record at write time, so bursts coalesce and
// the latest record is the last one written. Failures are logged and
// never reach the caller's message path.
func (m *Manager) ConnectionUpdate(ctx context.Context, s *Session) {
	key := identity{s.Namespace(), s.ID()}

	m.updateMu.Lock()
	if p, ok := m.updates[key]; ok {
		p.session, p.dirty = s, true
		m.updateMu.Unlock()
		return
	}
	m.updates[key] = &pendingUpdate{session: s, dirty: true, done: make(chan struct{})}
	m.updateMu.Unlock()

	go m.writeUpdates(context.WithoutCancel(ctx), key)
}

func (m *Manager) writeUpdates(ctx context.Context, key identity) {
	for {
		m.updateMu.Lock()
		p := m.updates[key]
		if !p.dirty {
			delete(m.updates, key)
			close(p.done)
			m.updateMu.Unlock()
			return
		}
		p.dirty = false
		s := p.session
		m.updateMu.Unlock()

		writeCtx, cancel := context.WithTimeout(ctx, connectionUpdateTimeout)
		err := m.store.ConnectionUpdate(writeCtx, s)
		cancel()
		if err != nil {
			m.logger.Warn().Err(err).
				Str("namespace", key.namespace).
				Str("connection_id", key.id).
				Msg("connection update failed")
		}
	}
}

// awaitUpdate waits until no record write of key is in flight.
func (m *Manager) awaitUpdate(ctx context.Context, key identity) error {
	if key.id == "" {
		return nil
	}
	m.updateMu.Lock()
	p, ok := m.updates[key]
	m.updateMu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitUpdates blocks until every background connection update has been
// written or ctx is done.
func (m *Manager) WaitUpdates(ctx context.Context) error {
	for {
		var done chan struct{}
		m.updateMu.Lock()
		for _, p := range m.updates {
			done = p.done
			break
		}
		m.updateMu.Unlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) enqueueEventLocked(key identity, eventType models.EventType) {
	if !m.cfg.CollectStats {
		return
	}
	if len(m.events) >= m.cfg.MaxQueuedEvents {
		m.events = m.events[1:]
		metrics.DroppedEvents.Inc()
	}
	m.events = append(m.events, models.Event{
		Timestamp: time.Now().UTC(),
		Namespace: key.namespace,
		ID:        key.id,
		Type:      eventType,
	})
	metrics.QueuedEvents.Set(float64(len(m.events)))
}

// Flush writes queued events with a single EventInsert and always saves the
// router snapshot. Events that could not be written are requeued for the
// next flush; after a partial insert only the unwritten tail is. At most
// one flush runs at a time.
func (m *Manager) Flush(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	events := m.events
	m.events = nil
	state := &models.ManagerState{
		SavedAt:         time.Now().UTC(),
		Nodes:           m.router.Snapshot(),
		OpenConnections: len(m.open),
	}
	m.mu.Unlock()
	metrics.QueuedEvents.Set(0)

	var errs []error
	if len(events) > 0 {
		if err := m.store.EventInsert(ctx, events); err != nil {
			errs = append(errs, fmt.Errorf("insert events: %w", err))
			var partial *store.PartialInsertError
			if errors.As(err, &partial) && partial.Written > 0 && partial.Written <= len(events) {
				events = events[partial.Written:]
			}
			m.requeue(events)
		}
	}
	if err := m.store.ManagerSave(ctx, state); err != nil {
		errs = append(errs, fmt.Errorf("save manager state: %w", err))
	}
	return errors.Join(errs...)
}

func (m *Manager) requeue(events []models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	merged := append(events, m.events...)
	if over := len(merged) - m.cfg.MaxQueuedEvents; over > 0 {
		merged = merged[over:]
		metrics.DroppedEvents.Add(float64(over))
	}
	m.events = merged
	metrics.QueuedEvents.Set(float64(len(m.events)))
}

// QueuedEvents returns the number of stat events waiting for a flush.
func (m *Manager) QueuedEvents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// RunFlushLoop flushes every StoreFlushInterval until ctx is done. Failed
// flushes are logged and retried on the next tick.
func (m *Manager) RunFlushLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.StoreFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			err := m.Flush(ctx)
			metrics.RecordStoreOperation("flush", time.Since(start), err)
			if err != nil {
				metrics.FlushFailures.Inc()
				m.logger.Warn().Err(err).Msg("persistence flush failed, retrying next tick")
			}
		}
	}
}
