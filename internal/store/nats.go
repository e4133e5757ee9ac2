// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/oscrelay/internal/logging"
	"github.com/tomtom215/oscrelay/internal/metrics"
	"github.com/tomtom215/oscrelay/internal/models"
)

// DefaultBucket is the KV bucket used when none is configured.
const DefaultBucket = "oscrelay"

// NATSConfig configures NATSStore.
type NATSConfig struct {
	URL         string
	Bucket      string
	Embedded    bool
	EmbeddedDir string
}

// NATSStore persists to NATS JetStream key/value buckets.
//
// KV keys only allow [-/_=.a-zA-Z0-9], so namespaces and ids are encoded
// with unpadded URL-safe base64:
//
//	conn.<ns>.<id>                 connection record (records bucket)
//	manager.state                  router snapshot   (records bucket)
//	event.<unixnano>-<uuid>        event log entry   (events bucket)
type NATSStore struct {
	cfg NATSConfig

	mu       sync.RWMutex
	embedded *EmbeddedServer
	nc       *nats.Conn
	records  jetstream.KeyValue
	events   jetstream.KeyValue
}

// NewNATSStore creates a store. Connections are made by Start.
func NewNATSStore(cfg NATSConfig) *NATSStore {
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	return &NATSStore{cfg: cfg}
}

func encodeKeyPart(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func natsConnectionPrefix(namespace string) string {
	return "conn." + encodeKeyPart(namespace) + "."
}

func natsConnectionKey(namespace, id string) string {
	return natsConnectionPrefix(namespace) + encodeKeyPart(id)
}

const natsManagerKey = "manager.state"

// Start connects to NATS (starting the embedded server first when
// configured) and opens or creates both buckets.
func (s *NATSStore) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc != nil {
		return nil
	}

	url := s.cfg.URL
	if s.cfg.Embedded {
		embedded, err := StartEmbeddedServer(s.cfg.EmbeddedDir)
		if err != nil {
			return err
		}
		s.embedded = embedded
		url = embedded.ClientURL()
	}

	nc, err := nats.Connect(url,
		nats.Name("oscrelay-store"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		s.shutdownEmbeddedLocked()
		return fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		s.shutdownEmbeddedLocked()
		return fmt.Errorf("create JetStream context: %w", err)
	}

	records, err := openBucket(ctx, js, s.cfg.Bucket)
	if err != nil {
		nc.Close()
		s.shutdownEmbeddedLocked()
		return err
	}
	events, err := openBucket(ctx, js, s.cfg.Bucket+"_events")
	if err != nil {
		nc.Close()
		s.shutdownEmbeddedLocked()
		return err
	}

	s.nc = nc
	s.records = records
	s.events = events

	logging.Info().
		Str("url", url).
		Str("bucket", s.cfg.Bucket).
		Bool("embedded", s.cfg.Embedded).
		Msg("NATS store connected")
	return nil
}

func openBucket(ctx context.Context, js jetstream.JetStream, bucket string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("open KV bucket %s: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "oscrelay persistence",
	})
	if errors.Is(err, jetstream.ErrBucketExists) {
		return js.KeyValue(ctx, bucket)
	}
	if err != nil {
		return nil, fmt.Errorf("create KV bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Stop drains the connection and stops the embedded server if any.
func (s *NATSStore) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc == nil {
		return nil
	}
	err := s.nc.Drain()
	s.nc = nil
	s.records = nil
	s.events = nil
	s.shutdownEmbeddedLocked()
	if err != nil {
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

func (s *NATSStore) shutdownEmbeddedLocked() {
	if s.embedded != nil {
		s.embedded.Shutdown()
		s.embedded = nil
	}
}

func (s *NATSStore) buckets() (records, events jetstream.KeyValue, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.nc == nil {
		return nil, nil, ErrStoreClosed
	}
	return s.records, s.events, nil
}

// ConnectionInsertOrRestore implements Store.
func (s *NATSStore) ConnectionInsertOrRestore(ctx context.Context, conn Persistable) (err error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("connection_insert_or_restore", time.Since(start), err) }()

	records, _, err := s.buckets()
	if err != nil {
		return err
	}
	return insertOrRestore(conn,
		func(namespace, id string) (models.ConnectionRecord, bool, error) {
			var record models.ConnectionRecord
			entry, err := records.Get(ctx, natsConnectionKey(namespace, id))
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				return record, false, nil
			}
			if err != nil {
				return record, false, fmt.Errorf("load connection record: %w", err)
			}
			if err := json.Unmarshal(entry.Value(), &record); err != nil {
				return record, false, fmt.Errorf("decode connection record: %w", err)
			}
			return record, true, nil
		},
		func(record models.ConnectionRecord) error {
			return putJSON(ctx, records, natsConnectionKey(record.Namespace, record.ID), record)
		},
	)
}

// ConnectionUpdate implements Store.
func (s *NATSStore) ConnectionUpdate(ctx context.Context, conn Persistable) (err error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("connection_update", time.Since(start), err) }()

	records, _, err := s.buckets()
	if err != nil {
		return err
	}
	record := conn.Record()
	return putJSON(ctx, records, natsConnectionKey(record.Namespace, record.ID), record)
}

func putJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// listKeys returns every key of kv starting with prefix.
func listKeys(ctx context.Context, kv jetstream.KeyValue, prefix string) ([]string, error) {
	lister, err := kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// ConnectionIDList implements Store. Ids are sorted.
func (s *NATSStore) ConnectionIDList(ctx context.Context, namespace string) ([]string, error) {
	records, _, err := s.buckets()
	if err != nil {
		return nil, err
	}
	prefix := natsConnectionPrefix(namespace)
	keys, err := listKeys(ctx, records, prefix)
	if err != nil {
		return nil, fmt.Errorf("list connection ids: %w", err)
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(key, prefix))
		if err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("skipping undecodable connection key")
			continue
		}
		ids = append(ids, string(raw))
	}
	sort.Strings(ids)
	return ids, nil
}

// EventInsert implements Store. Events are written one put at a time; on
// failure a *PartialInsertError tells how many were stored.
func (s *NATSStore) EventInsert(ctx context.Context, events []models.Event) (err error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("event_insert", time.Since(start), err) }()

	_, bucket, err := s.buckets()
	if err != nil {
		return err
	}
	// KV puts are not transactional, so a failure reports how far the
	// batch got and only the remainder is retried.
	for i, event := range events {
		key := fmt.Sprintf("event.%020d-%s", event.Timestamp.UnixNano(), uuid.NewString())
		if err := putJSON(ctx, bucket, key, event); err != nil {
			return &PartialInsertError{Written: i, Err: err}
		}
	}
	return nil
}

// EventList implements Store. Events come back in timestamp order.
func (s *NATSStore) EventList(ctx context.Context) ([]models.Event, error) {
	_, bucket, err := s.buckets()
	if err != nil {
		return nil, err
	}
	keys, err := listKeys(ctx, bucket, "event.")
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	sort.Strings(keys)

	events := make([]models.Event, 0, len(keys))
	for _, key := range keys {
		entry, err := bucket.Get(ctx, key)
		if err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("skipping unreadable event")
			continue
		}
		var event models.Event
		if err := json.Unmarshal(entry.Value(), &event); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("skipping undecodable event")
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// ManagerSave implements Store.
func (s *NATSStore) ManagerSave(ctx context.Context, state *models.ManagerState) (err error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("manager_save", time.Since(start), err) }()

	records, _, err := s.buckets()
	if err != nil {
		return err
	}
	return putJSON(ctx, records, natsManagerKey, state)
}

// ManagerRestore implements Store.
func (s *NATSStore) ManagerRestore(ctx context.Context) (*models.ManagerState, error) {
	records, _, err := s.buckets()
	if err != nil {
		return nil, err
	}
	entry, err := records.Get(ctx, natsManagerKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manager state: %w", err)
	}
	var state models.ManagerState
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return nil, fmt.Errorf("decode manager state: %w", err)
	}
	return &state, nil
}
