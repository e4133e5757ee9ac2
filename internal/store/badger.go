// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/oscrelay/internal/logging"
	"github.com/tomtom215/oscrelay/internal/metrics"
	"github.com/tomtom215/oscrelay/internal/models"
)

// Key layout:
//
//	conn:<namespace>:<id>         connection record
//	event:<unixnano>:<uuid>       event log entry
//	manager:state                 router snapshot
const (
	prefixConnection = "conn:"
	prefixEvent      = "event:"
	keyManagerState  = "manager:state"
)

// BadgerStore persists to an embedded BadgerDB directory.
type BadgerStore struct {
	path string

	mu sync.RWMutex
	db *badger.DB
}

// NewBadgerStore creates a store rooted at path. The database is opened by
// Start.
func NewBadgerStore(path string) *BadgerStore {
	return &BadgerStore{path: path}
}

func connectionKey(namespace, id string) []byte {
	return []byte(prefixConnection + namespace + ":" + id)
}

// Start opens (or creates) the database.
func (s *BadgerStore) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	opts := badger.DefaultOptions(s.path)
	opts.SyncWrites = true
	// Reduce logging verbosity
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open BadgerDB: %w", err)
	}
	s.db = db

	logging.Info().Str("path", s.path).Msg("file store opened")
	return nil
}

// Stop closes the database.
func (s *BadgerStore) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("close BadgerDB: %w", err)
	}
	logging.Info().Str("path", s.path).Msg("file store closed")
	return nil
}

func (s *BadgerStore) handle() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	return s.db, nil
}

// ConnectionInsertOrRestore implements Store.
func (s *BadgerStore) ConnectionInsertOrRestore(ctx context.Context, conn Persistable) (err error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("connection_insert_or_restore", time.Since(start), err) }()

	db, err := s.handle()
	if err != nil {
		return err
	}
	return insertOrRestore(conn,
		func(namespace, id string) (models.ConnectionRecord, bool, error) {
			var record models.ConnectionRecord
			err := db.View(func(txn *badger.Txn) error {
				item, err := txn.Get(connectionKey(namespace, id))
				if err != nil {
					return err
				}
				return item.Value(func(val []byte) error {
					return json.Unmarshal(val, &record)
				})
			})
			if errors.Is(err, badger.ErrKeyNotFound) {
				return record, false, nil
			}
			if err != nil {
				return record, false, fmt.Errorf("load connection record: %w", err)
			}
			return record, true, nil
		},
		func(record models.ConnectionRecord) error {
			return s.putRecord(db, record)
		},
	)
}

// ConnectionUpdate implements Store.
func (s *BadgerStore) ConnectionUpdate(ctx context.Context, conn Persistable) (err error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("connection_update", time.Since(start), err) }()

	db, err := s.handle()
	if err != nil {
		return err
	}
	return s.putRecord(db, conn.Record())
}

func (s *BadgerStore) putRecord(db *badger.DB, record models.ConnectionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal connection record: %w", err)
	}
	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set(connectionKey(record.Namespace, record.ID), data)
	})
	if err != nil {
		return fmt.Errorf("write connection record: %w", err)
	}
	return nil
}

// ConnectionIDList implements Store. Ids come back in key order.
func (s *BadgerStore) ConnectionIDList(ctx context.Context, namespace string) ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0)
	prefix := []byte(prefixConnection + namespace + ":")
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list connection ids: %w", err)
	}
	return ids, nil
}

// EventInsert writes all events in a single transaction.
func (s *BadgerStore) EventInsert(ctx context.Context, events []models.Event) (err error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("event_insert", time.Since(start), err) }()

	if len(events) == 0 {
		return nil
	}
	db, err := s.handle()
	if err != nil {
		return err
	}

	wb := db.NewWriteBatch()
	defer wb.Cancel()
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		key := fmt.Sprintf("%s%020d:%s", prefixEvent, event.Timestamp.UnixNano(), uuid.NewString())
		if err := wb.Set([]byte(key), data); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush events: %w", err)
	}
	return nil
}

// EventList implements Store. Events come back in timestamp order.
func (s *BadgerStore) EventList(ctx context.Context) ([]models.Event, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	events := make([]models.Event, 0)
	prefix := []byte(prefixEvent)
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var event models.Event
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(item.Key())).Msg("skipping unreadable event")
				continue
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// ManagerSave implements Store.
func (s *BadgerStore) ManagerSave(ctx context.Context, state *models.ManagerState) (err error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("manager_save", time.Since(start), err) }()

	db, err := s.handle()
	if err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal manager state: %w", err)
	}
	if err := db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyManagerState), data)
	}); err != nil {
		return fmt.Errorf("write manager state: %w", err)
	}
	return nil
}

// ManagerRestore implements Store.
func (s *BadgerStore) ManagerRestore(ctx context.Context) (*models.ManagerState, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var state models.ManagerState
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyManagerState))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &state)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manager state: %w", err)
	}
	return &state, nil
}
