// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tomtom215/oscrelay/internal/models"
)

// MemoryStore keeps everything in process memory. It is the default when no
// store is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.ConnectionRecord
	events  []models.Event
	state   *models.ManagerState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.ConnectionRecord)}
}

func memoryKey(namespace, id string) string {
	return namespace + "\x00" + id
}

// Start implements Store.
func (s *MemoryStore) Start(ctx context.Context) error { return nil }

// Stop implements Store.
func (s *MemoryStore) Stop(ctx context.Context) error { return nil }

// ConnectionInsertOrRestore implements Store.
func (s *MemoryStore) ConnectionInsertOrRestore(ctx context.Context, conn Persistable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertOrRestore(conn,
		func(namespace, id string) (models.ConnectionRecord, bool, error) {
			record, ok := s.records[memoryKey(namespace, id)]
			return cloneRecord(record), ok, nil
		},
		s.putLocked,
	)
}

// ConnectionUpdate implements Store.
func (s *MemoryStore) ConnectionUpdate(ctx context.Context, conn Persistable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(conn.Record())
}

func (s *MemoryStore) putLocked(record models.ConnectionRecord) error {
	s.records[memoryKey(record.Namespace, record.ID)] = cloneRecord(record)
	return nil
}

// ConnectionIDList implements Store. Ids are sorted.
func (s *MemoryStore) ConnectionIDList(ctx context.Context, namespace string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for _, record := range s.records {
		if record.Namespace == namespace {
			ids = append(ids, record.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// EventInsert implements Store.
func (s *MemoryStore) EventInsert(ctx context.Context, events []models.Event) error {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
	return nil
}

// EventList implements Store. Events come back in timestamp order.
func (s *MemoryStore) EventList(ctx context.Context) ([]models.Event, error) {
	s.mu.RLock()
	out := make([]models.Event, len(s.events))
	copy(out, s.events)
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// ManagerSave implements Store.
func (s *MemoryStore) ManagerSave(ctx context.Context, state *models.ManagerState) error {
	s.mu.Lock()
	copied := *state
	s.state = &copied
	s.mu.Unlock()
	return nil
}

// ManagerRestore implements Store.
func (s *MemoryStore) ManagerRestore(ctx context.Context) (*models.ManagerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return nil, nil
	}
	copied := *s.state
	return &copied, nil
}

func cloneRecord(record models.ConnectionRecord) models.ConnectionRecord {
	out := record
	out.Subscriptions = append([]string(nil), record.Subscriptions...)
	if record.Infos != nil {
		out.Infos = make(map[string]string, len(record.Infos))
		for k, v := range record.Infos {
			out.Infos[k] = v
		}
	}
	return out
}
