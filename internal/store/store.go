// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

// Package store persists connection records, the connection event log and
// the router snapshot so the relay can survive restarts.
//
// Three interchangeable implementations exist:
//   - MemoryStore: ephemeral, nothing survives the process
//   - BadgerStore: embedded single-writer file store (BadgerDB)
//   - NATSStore: external key/value store (NATS JetStream KV)
//
// Every implementation is last-writer-wins per key. Calls may complete out
// of order without corrupting a record.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tomtom215/oscrelay/internal/models"
)

// Kind selects a store implementation.
type Kind string

const (
	KindMemory Kind = "memory"
	KindFile   Kind = "file"
	KindNATS   Kind = "nats"
)

var (
	// ErrMissingIdentity is returned when a connection has neither an id nor
	// auto id enabled.
	ErrMissingIdentity = errors.New("connection has no id and auto id is disabled")

	// ErrMissingNamespace is returned when a connection has no namespace.
	ErrMissingNamespace = errors.New("connection has no namespace")

	// ErrStoreClosed is returned by operations on a stopped store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrUnknownKind is returned by New for an unsupported Kind.
	ErrUnknownKind = errors.New("unknown store kind")
)

// PartialInsertError is returned by EventInsert when only the first
// Written events of the batch were stored.
type PartialInsertError struct {
	Written int
	Err     error
}

func (e *PartialInsertError) Error() string {
	return fmt.Sprintf("event insert stopped after %d events: %v", e.Written, e.Err)
}

func (e *PartialInsertError) Unwrap() error { return e.Err }

// Persistable is the view of a connection the store needs.
type Persistable interface {
	Namespace() string
	ID() string
	AutoID() bool
	SetID(id string)
	// Record returns the durable part of the connection.
	Record() models.ConnectionRecord
	// Restore repopulates the connection from a stored record.
	Restore(record models.ConnectionRecord) error
}

// Store is the persistence contract used by the connection manager.
type Store interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// ConnectionInsertOrRestore restores conn from an existing record for
	// its (namespace, id), or inserts a new record. A connection with an
	// empty id and auto id enabled is assigned a fresh id first.
	ConnectionInsertOrRestore(ctx context.Context, conn Persistable) error
	ConnectionUpdate(ctx context.Context, conn Persistable) error
	ConnectionIDList(ctx context.Context, namespace string) ([]string, error)

	EventInsert(ctx context.Context, events []models.Event) error
	EventList(ctx context.Context) ([]models.Event, error)

	ManagerSave(ctx context.Context, state *models.ManagerState) error
	// ManagerRestore returns nil, nil when no state was ever saved.
	ManagerRestore(ctx context.Context) (*models.ManagerState, error)
}

// Config is the tagged store selection, resolved once at startup.
type Config struct {
	Kind Kind

	// Path is the BadgerDB directory for KindFile.
	Path string

	// URL is the NATS server URL for KindNATS. Ignored when Embedded is set.
	URL string
	// Bucket is the JetStream KV bucket holding records and manager state.
	// Events go to Bucket + "_events".
	Bucket string
	// Embedded starts an in-process NATS server storing data under
	// EmbeddedDir.
	Embedded    bool
	EmbeddedDir string
}

// New builds the store selected by cfg. The store is not started.
func New(cfg Config) (Store, error) {
	switch cfg.Kind {
	case KindMemory, "":
		return NewMemoryStore(), nil
	case KindFile:
		return NewBadgerStore(cfg.Path), nil
	case KindNATS:
		return NewNATSStore(NATSConfig{
			URL:         cfg.URL,
			Bucket:      cfg.Bucket,
			Embedded:    cfg.Embedded,
			EmbeddedDir: cfg.EmbeddedDir,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// recordLookup loads the record for (namespace, id). found is false when
// no record exists.
type recordLookup func(namespace, id string) (record models.ConnectionRecord, found bool, err error)

// insertOrRestore is the logic shared by every implementation. An explicitly
// supplied id is honored even when auto id is enabled; ids are generated
// only when empty.
func insertOrRestore(conn Persistable, lookup recordLookup, save func(models.ConnectionRecord) error) error {
	if conn.Namespace() == "" {
		return ErrMissingNamespace
	}
	if conn.ID() == "" {
		if !conn.AutoID() {
			return ErrMissingIdentity
		}
		conn.SetID(uuid.NewString())
		return save(conn.Record())
	}

	record, found, err := lookup(conn.Namespace(), conn.ID())
	if err != nil {
		return err
	}
	if found {
		if err := conn.Restore(record); err != nil {
			return fmt.Errorf("restore connection %s/%s: %w", conn.Namespace(), conn.ID(), err)
		}
		return nil
	}
	return save(conn.Record())
}
