// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/mqttengine/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.RetainedStorage = (*Store)(nil)

const retainedPrefix = "retained:"

// Store persists the retained message set in BadgerDB.
//
// Key format: retained:{topic}
type Store struct {
	db          *badger.DB
	compression Compression

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir         string        // Directory for BadgerDB data
	SyncWrites  bool          // fsync every write
	Compression Compression   // Value compression
	GCInterval  time.Duration // Value log GC period, 0 means 5 minutes
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	gcInterval := cfg.GCInterval
	if gcInterval <= 0 {
		gcInterval = 5 * time.Minute
	}

	s := &Store{
		db:          db,
		compression: cfg.Compression,
		gcStopCh:    make(chan struct{}),
		gcDone:      make(chan struct{}),
	}

	go s.runGC(gcInterval)

	return s, nil
}

// Load returns every stored retained message.
func (s *Store) Load(ctx context.Context) ([]*storage.Message, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}

	var msgs []*storage.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(retainedPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				msg, err := decode(val)
				if err != nil {
					return err
				}
				msgs = append(msgs, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return msgs, nil
}

// Save replaces the stored set with msgs in a single transaction.
func (s *Store) Save(ctx context.Context, msgs []*storage.Message) error {
	if s.isClosed() {
		return storage.ErrClosed
	}

	keep := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		keep[retainedPrefix+m.Topic] = struct{}{}
	}

	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(retainedPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if _, ok := keep[string(key)]; !ok {
				stale = append(stale, key)
			}
		}
		it.Close()

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		for _, m := range msgs {
			if err := ctx.Err(); err != nil {
				return err
			}
			val, err := encode(m, s.compression)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(retainedPrefix+m.Topic), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Reclaim files that are at least half garbage. An error here
			// usually means there was nothing to rewrite.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
