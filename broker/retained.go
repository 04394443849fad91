// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/absmach/mqttengine/storage"
)

// RetainedStore keeps at most one retained message per topic. The in-memory
// map is authoritative; every structural change is written through to the
// backing storage as a full snapshot.
type RetainedStore struct {
	mu       sync.RWMutex
	messages map[string]*storage.Message

	// persistMu orders snapshot writes.
	persistMu sync.Mutex
	storage   storage.RetainedStorage
	logger    *slog.Logger
}

// NewRetainedStore creates an empty store. st may be nil to keep retained
// messages in memory only.
func NewRetainedStore(st storage.RetainedStorage, logger *slog.Logger) *RetainedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetainedStore{
		messages: make(map[string]*storage.Message),
		storage:  st,
		logger:   logger,
	}
}

// Load replaces the store content with the messages held by the backing
// storage.
func (r *RetainedStore) Load(ctx context.Context) error {
	if r.storage == nil {
		return nil
	}

	msgs, err := r.storage.Load(ctx)
	if err != nil {
		return fmt.Errorf("load retained messages: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = make(map[string]*storage.Message, len(msgs))
	for _, m := range msgs {
		if m == nil || len(m.Payload) == 0 {
			continue
		}
		r.messages[m.Topic] = m
	}
	return nil
}

// Update applies a retained PUBLISH. An empty payload deletes the topic's
// entry. A non-empty payload is stored unless an entry with the same QoS
// and payload exists. It returns the change in the number of entries and
// whether anything changed.
func (r *RetainedStore) Update(ctx context.Context, clientID string, msg *storage.Message) (delta int, changed bool) {
	r.mu.Lock()
	existing, ok := r.messages[msg.Topic]
	switch {
	case len(msg.Payload) == 0:
		if ok {
			delete(r.messages, msg.Topic)
			delta, changed = -1, true
		}
	case !ok:
		r.messages[msg.Topic] = retainedCopy(msg)
		delta, changed = 1, true
	case existing.QoS != msg.QoS || !bytes.Equal(existing.Payload, msg.Payload):
		r.messages[msg.Topic] = retainedCopy(msg)
		changed = true
	}
	r.mu.Unlock()

	if !changed {
		return 0, false
	}

	r.logger.Debug("retained message updated",
		slog.String("client_id", clientID),
		slog.String("topic", msg.Topic),
		slog.Int("delta", delta))
	r.persist(ctx)
	return delta, true
}

// Get returns the retained message for topic.
func (r *RetainedStore) Get(topic string) (*storage.Message, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.messages[topic]
	return m, ok
}

// GetAll returns a snapshot of all retained messages ordered by topic.
// The messages are shared and must not be modified.
func (r *RetainedStore) GetAll() []*storage.Message {
	r.mu.RLock()
	msgs := make([]*storage.Message, 0, len(r.messages))
	for _, m := range r.messages {
		msgs = append(msgs, m)
	}
	r.mu.RUnlock()

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Topic < msgs[j].Topic })
	return msgs
}

// Len returns the number of retained messages.
func (r *RetainedStore) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

// Clear removes all retained messages.
func (r *RetainedStore) Clear(ctx context.Context) {
	r.mu.Lock()
	n := len(r.messages)
	r.messages = make(map[string]*storage.Message)
	r.mu.Unlock()

	if n > 0 {
		r.persist(ctx)
	}
}

func (r *RetainedStore) persist(ctx context.Context) {
	if r.storage == nil {
		return
	}

	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	// The snapshot is taken under persistMu so the last write carries the
	// latest state.
	if err := r.storage.Save(ctx, r.GetAll()); err != nil {
		r.logger.Error("failed to persist retained messages", slog.String("error", err.Error()))
	}
}

func retainedCopy(msg *storage.Message) *storage.Message {
	m := msg.Copy()
	m.Retain = true
	return m
}
