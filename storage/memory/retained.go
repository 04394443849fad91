// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/mqttengine/storage"
)

var _ storage.RetainedStorage = (*RetainedStore)(nil)

// RetainedStore is an in-memory implementation of storage.RetainedStorage.
// It keeps the last saved snapshot, which makes it useful for tests and for
// deployments that do not need retained messages to survive a restart.
type RetainedStore struct {
	mu    sync.RWMutex
	msgs  []*storage.Message
	saves int
}

// NewRetainedStore creates a new in-memory retained message store.
func NewRetainedStore(msgs ...*storage.Message) *RetainedStore {
	return &RetainedStore{msgs: copyAll(msgs)}
}

// Load returns a copy of the last saved snapshot.
func (s *RetainedStore) Load(_ context.Context) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return copyAll(s.msgs), nil
}

// Save replaces the snapshot.
func (s *RetainedStore) Save(_ context.Context, msgs []*storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = copyAll(msgs)
	s.saves++
	return nil
}

// Saves returns how many times Save was called.
func (s *RetainedStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.saves
}

func copyAll(msgs []*storage.Message) []*storage.Message {
	out := make([]*storage.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Copy())
	}
	return out
}
