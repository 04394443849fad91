// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/mqttengine/packets"
)

// Registry owns every session, keyed by client identifier, and the set of
// sessions that hold at least one subscription.
//
// Lock order: a session's subscription lock may be held while taking the
// registry lock, never the reverse.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	subscribers map[*Session]struct{}

	bus    BusConfig
	logger *slog.Logger
	onDrop func(*Session, *packets.Publish)
}

// NewRegistry creates an empty registry. Sessions it creates use busCfg for
// their packet bus and report overflow drops to onDrop.
func NewRegistry(busCfg BusConfig, logger *slog.Logger, onDrop func(*Session, *packets.Publish)) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		subscribers: make(map[*Session]struct{}),
		bus:         busCfg,
		logger:      logger,
		onDrop:      onDrop,
	}
}

// Create registers a fresh session for id, replacing and discarding any
// existing one. It returns the new session and the replaced one, if any.
func (r *Registry) Create(id string, connect *packets.Connect, expiry uint32, items map[string]any) (*Session, *Session) {
	s := New(id, Options{
		Bus:            r.bus,
		ExpiryInterval: expiry,
		Connect:        connect,
		Items:          items,
		Logger:         r.logger,
		OnMembership:   r.setSubscriber,
		OnDrop:         r.onDrop,
	})

	r.mu.Lock()
	old := r.sessions[id]
	if old != nil {
		delete(r.subscribers, old)
	}
	r.sessions[id] = s
	r.mu.Unlock()

	if old != nil {
		discard(old)
	}
	return s, old
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Delete removes the session for id and discards its queued packets.
func (r *Registry) Delete(id string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		delete(r.subscribers, s)
	}
	r.mu.Unlock()

	if ok {
		discard(s)
	}
	return s, ok
}

// DeleteSession removes s if it is still the registered session for its id.
func (r *Registry) DeleteSession(s *Session) bool {
	r.mu.Lock()
	ok := r.sessions[s.id] == s
	if ok {
		delete(r.sessions, s.id)
		delete(r.subscribers, s)
	}
	r.mu.Unlock()

	if ok {
		discard(s)
	}
	return ok
}

// All returns a snapshot of every session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	return all
}

// Subscribers returns a snapshot of the sessions holding subscriptions.
func (r *Registry) Subscribers() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]*Session, 0, len(r.subscribers))
	for s := range r.subscribers {
		subs = append(subs, s)
	}
	return subs
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SubscriberCount returns the number of sessions holding subscriptions.
func (r *Registry) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// CleanupExpired deletes every disconnected session whose expiry passed
// before now and returns them.
func (r *Registry) CleanupExpired(now time.Time) []*Session {
	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.IsExpired(now) {
			delete(r.sessions, id)
			delete(r.subscribers, s)
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		discard(s)
		r.logger.Debug("session expired", slog.String("client_id", s.id))
	}
	return expired
}

func (r *Registry) setSubscriber(s *Session, subscribed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !subscribed {
		delete(r.subscribers, s)
		return
	}
	if r.sessions[s.id] == s {
		r.subscribers[s] = struct{}{}
	}
}

func discard(s *Session) {
	for _, item := range s.bus.Clear() {
		item.Cancel()
	}
}
