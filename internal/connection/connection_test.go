// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tomtom215/oscrelay/internal/models"
	"github.com/tomtom215/oscrelay/internal/store"
)

// recordingTransport captures every write.
type recordingTransport struct {
	mu       sync.Mutex
	messages []models.Message
	fail     bool
}

func (t *recordingTransport) Write(address string, args models.Args) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return errors.New("socket closed")
	}
	t.messages = append(t.messages, models.Message{Address: address, Args: args})
	return nil
}

func (t *recordingTransport) received() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.Message(nil), t.messages...)
}

// at returns the messages written to address.
func (t *recordingTransport) at(address string) []models.Message {
	var out []models.Message
	for _, m := range t.received() {
		if m.Address == address {
			out = append(out, m)
		}
	}
	return out
}

// failingStore fails every write.
type failingStore struct {
	*store.MemoryStore
}

var errStoreDown = errors.New("store down")

func (failingStore) EventInsert(ctx context.Context, events []models.Event) error {
	return errStoreDown
}

func (failingStore) ManagerSave(ctx context.Context, state *models.ManagerState) error {
	return errStoreDown
}

// countingStore counts record writes. While gate is non-nil every write
// waits for it to be closed.
type countingStore struct {
	*store.MemoryStore
	gate    chan struct{}
	updates atomic.Int32
}

func (c *countingStore) ConnectionUpdate(ctx context.Context, conn store.Persistable) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.updates.Add(1)
	return c.MemoryStore.ConnectionUpdate(ctx, conn)
}

func newTestManager(cfg Config) *Manager {
	return NewManager(cfg, store.NewMemoryStore())
}

func newTestSession(m *Manager, namespace, id string) (*Session, *recordingTransport) {
	tr := &recordingTransport{}
	return NewSession(m, tr, namespace, id, false), tr
}
