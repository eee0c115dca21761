// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persistence stores readings in an embedded badger database, keyed
// by category, device and timestamp so that one device's history can be read
// back in time order.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/labcore/pkg/logger"
	"github.com/united-manufacturing-hub/labcore/pkg/metrics"
	"github.com/united-manufacturing-hub/labcore/pkg/models"
)

const (
	DefaultBatchSize = 64

	keyPrefix = "reading"
	keySep    = "/"
)

var (
	ErrClosed     = errors.New("persistence: saver is closed")
	ErrInvalidKey = errors.New("persistence: category and device id must be non-empty and free of slashes")
)

// PersistenceError wraps a failed storage operation.
type PersistenceError struct {
	Op       string
	Category string
	DeviceID string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %s/%s: %v", e.Op, e.Category, e.DeviceID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

type Options struct {
	// Dir is the database directory. It is ignored when InMemory is set.
	Dir        string
	InMemory   bool
	SyncWrites bool
	// BatchSize is the number of readings buffered before a write batch is
	// committed. 1 commits every Save immediately.
	BatchSize int
	Logger    *zap.SugaredLogger
}

type pending struct {
	category string
	deviceID string
	key      []byte
	value    []byte
}

// BadgerSaver buffers readings and commits them to badger in write batches.
type BadgerSaver struct {
	db        *badger.DB
	log       *zap.SugaredLogger
	batchSize int

	mu      sync.Mutex
	pending []pending
	closed  bool
}

func Open(opts Options) (*BadgerSaver, error) {
	log := logger.OrDefault(opts.Logger, logger.ComponentPersistence)

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, &PersistenceError{Op: "open", Err: errors.New("data directory is required")}
		}

		bopts = badger.DefaultOptions(opts.Dir).WithSyncWrites(opts.SyncWrites)
	}

	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	log.Infow("Opened reading store", "dir", opts.Dir, "in_memory", opts.InMemory, "batch_size", batch)

	return &BadgerSaver{db: db, log: log, batchSize: batch}, nil
}

// readingKey orders entries by timestamp within a device; the uuid keeps
// readings with equal timestamps apart.
func readingKey(category, deviceID string, ts float64) []byte {
	nanos := uint64(0)
	if ts > 0 {
		nanos = uint64(math.Round(ts * 1e9))
	}

	return []byte(strings.Join([]string{
		keyPrefix, category, deviceID, fmt.Sprintf("%016x", nanos), uuid.NewString(),
	}, keySep))
}

func devicePrefix(category, deviceID string) []byte {
	return []byte(strings.Join([]string{keyPrefix, category, deviceID, ""}, keySep))
}

func categoryPrefix(category string) []byte {
	return []byte(strings.Join([]string{keyPrefix, category, ""}, keySep))
}

func validName(s string) bool {
	return s != "" && !strings.Contains(s, keySep)
}

// Save buffers r under category. The batch is committed once it is full.
func (s *BadgerSaver) Save(r models.Reading, category string) error {
	if !validName(category) || !validName(r.DeviceID) {
		err := &PersistenceError{Op: "save", Category: category, DeviceID: r.DeviceID, Err: ErrInvalidKey}
		metrics.RecordPersistenceWrite(category, err)

		return err
	}

	value, err := json.Marshal(r)
	if err != nil {
		perr := &PersistenceError{Op: "encode", Category: category, DeviceID: r.DeviceID, Err: err}
		metrics.RecordPersistenceWrite(category, perr)

		return perr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &PersistenceError{Op: "save", Category: category, DeviceID: r.DeviceID, Err: ErrClosed}
	}

	s.pending = append(s.pending, pending{
		category: category,
		deviceID: r.DeviceID,
		key:      readingKey(category, r.DeviceID, r.Timestamp),
		value:    value,
	})

	if len(s.pending) < s.batchSize {
		return nil
	}

	return s.flushLocked()
}

// FlushAll commits every buffered reading.
func (s *BadgerSaver) FlushAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	return s.flushLocked()
}

func (s *BadgerSaver) flushLocked() error {
	if len(s.pending) == 0 {
		return nil
	}

	entries := s.pending
	s.pending = nil

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, e := range entries {
		if err := wb.Set(e.key, e.value); err != nil {
			return s.recordBatch(entries, &PersistenceError{Op: "save", Category: e.category, DeviceID: e.deviceID, Err: err})
		}
	}

	if err := wb.Flush(); err != nil {
		return s.recordBatch(entries, &PersistenceError{Op: "flush", Err: err})
	}

	return s.recordBatch(entries, nil)
}

func (s *BadgerSaver) recordBatch(entries []pending, err error) error {
	for _, e := range entries {
		metrics.RecordPersistenceWrite(e.category, err)
	}

	if err != nil {
		s.log.Errorw("Failed to commit readings", "count", len(entries), "error", err)
	}

	return err
}

// Close flushes pending readings and closes the database. Repeated calls are no-ops.
func (s *BadgerSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	flushErr := s.flushLocked()
	s.closed = true

	if err := s.db.Close(); err != nil {
		return errors.Join(flushErr, &PersistenceError{Op: "close", Err: err})
	}

	s.log.Info("Closed reading store")

	return flushErr
}

func (s *BadgerSaver) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// Readings returns up to limit committed readings of a device, newest first.
// A limit <= 0 returns all of them.
func (s *BadgerSaver) Readings(ctx context.Context, category, deviceID string, limit int) ([]models.Reading, error) {
	if !validName(category) || !validName(deviceID) {
		return nil, &PersistenceError{Op: "read", Category: category, DeviceID: deviceID, Err: ErrInvalidKey}
	}

	if s.isClosed() {
		return nil, &PersistenceError{Op: "read", Category: category, DeviceID: deviceID, Err: ErrClosed}
	}

	prefix := devicePrefix(category, deviceID)
	out := make([]models.Reading, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		// reverse iteration starts at the last key <= seek
		seek := append(append([]byte{}, prefix...), 0xff)

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var r models.Reading
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}

			out = append(out, r)

			if limit > 0 && len(out) >= limit {
				break
			}
		}

		return nil
	})
	if err != nil {
		return nil, &PersistenceError{Op: "read", Category: category, DeviceID: deviceID, Err: err}
	}

	return out, nil
}

// Count returns the number of committed readings in category.
func (s *BadgerSaver) Count(category string) (int, error) {
	if !validName(category) {
		return 0, &PersistenceError{Op: "count", Category: category, Err: ErrInvalidKey}
	}

	if s.isClosed() {
		return 0, &PersistenceError{Op: "count", Category: category, Err: ErrClosed}
	}

	prefix := categoryPrefix(category)
	n := 0

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}

		return nil
	})
	if err != nil {
		return 0, &PersistenceError{Op: "count", Category: category, Err: err}
	}

	return n, nil
}
