// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package models

import (
	"fmt"
	"time"
)

// EventType is the kind of a connection lifecycle event.
type EventType string

const (
	EventOpen  EventType = "open"
	EventClose EventType = "close"
)

// Event is a single entry of the connection event log.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Namespace string    `json:"namespace"`
	ID        string    `json:"id"`
	Type      EventType `json:"event_type"`
}

// ConnectionRecord is the durable state of one connection, keyed by
// (Namespace, ID).
type ConnectionRecord struct {
	Namespace     string            `json:"namespace"`
	ID            string            `json:"id"`
	Subscriptions []string          `json:"subscriptions"`
	Infos         map[string]string `json:"infos,omitempty"`
}

// StoredArgKind tags a persisted argument.
type StoredArgKind string

const (
	StoredString StoredArgKind = "s"
	StoredInt    StoredArgKind = "i"
	StoredFloat  StoredArgKind = "f"
	// StoredBlob marks an elided binary argument. Blob bytes are never
	// written to the store; the argument comes back as an empty blob.
	StoredBlob StoredArgKind = "b"
)

// StoredArg is the tagged, JSON-safe form of one argument.
type StoredArg struct {
	Kind  StoredArgKind `json:"k"`
	Str   string        `json:"s,omitempty"`
	Int   int64         `json:"i,omitempty"`
	Float float64       `json:"f,omitempty"`
}

// NodeState is the persisted form of a router node that has a last message.
type NodeState struct {
	Address     string      `json:"address"`
	LastMessage []StoredArg `json:"last_message"`
}

// ManagerState is the snapshot written by the periodic manager flush.
type ManagerState struct {
	SavedAt         time.Time   `json:"saved_at"`
	Nodes           []NodeState `json:"nodes"`
	OpenConnections int         `json:"open_connections"`
}

// StoreArgs converts live arguments into their persisted form, eliding blobs.
func StoreArgs(args Args) ([]StoredArg, error) {
	out := make([]StoredArg, 0, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			out = append(out, StoredArg{Kind: StoredString, Str: v})
		case int:
			out = append(out, StoredArg{Kind: StoredInt, Int: int64(v)})
		case int32:
			out = append(out, StoredArg{Kind: StoredInt, Int: int64(v)})
		case int64:
			out = append(out, StoredArg{Kind: StoredInt, Int: v})
		case float32:
			out = append(out, StoredArg{Kind: StoredFloat, Float: float64(v)})
		case float64:
			out = append(out, StoredArg{Kind: StoredFloat, Float: v})
		case []byte:
			out = append(out, StoredArg{Kind: StoredBlob})
		default:
			return nil, fmt.Errorf("argument %d has unsupported type %T", i, arg)
		}
	}
	return out, nil
}

// LoadArgs converts persisted arguments back into live ones. Elided blobs
// become empty blobs.
func LoadArgs(stored []StoredArg) (Args, error) {
	out := make(Args, 0, len(stored))
	for i, s := range stored {
		switch s.Kind {
		case StoredString:
			out = append(out, s.Str)
		case StoredInt:
			out = append(out, s.Int)
		case StoredFloat:
			out = append(out, s.Float)
		case StoredBlob:
			out = append(out, []byte{})
		default:
			return nil, fmt.Errorf("stored argument %d has unknown kind %q", i, s.Kind)
		}
	}
	return out, nil
}
