// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mqttengine/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreateReplaces(t *testing.T) {
	r := NewRegistry(BusConfig{}, nil, nil)

	s1, old := r.Create("c1", &packets.Connect{ClientID: "c1"}, 0, nil)
	assert.Nil(t, old)
	subscribe(t, s1, packets.Subscription{Topic: "a"})
	require.NoError(t, s1.Enqueue(publish("a", 0)))
	assert.Equal(t, 1, r.SubscriberCount())

	s2, old := r.Create("c1", &packets.Connect{ClientID: "c1"}, 0, nil)
	assert.Same(t, s1, old)
	assert.Equal(t, 0, s1.Bus().Count())
	assert.Equal(t, 0, r.SubscriberCount())

	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Same(t, s2, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistrySubscribersFollowMembership(t *testing.T) {
	r := NewRegistry(BusConfig{}, nil, nil)
	s, _ := r.Create("c1", nil, 0, nil)

	assert.Empty(t, r.Subscribers())

	subscribe(t, s, packets.Subscription{Topic: "a"}, packets.Subscription{Topic: "b"})
	assert.Equal(t, []*Session{s}, r.Subscribers())

	s.Unsubscribe(context.Background(), []string{"a"}, nil)
	assert.Len(t, r.Subscribers(), 1)

	s.Unsubscribe(context.Background(), []string{"b"}, nil)
	assert.Empty(t, r.Subscribers())
}

func TestRegistryDeletedSessionStaysOutOfFanOut(t *testing.T) {
	r := NewRegistry(BusConfig{}, nil, nil)
	s, _ := r.Create("c1", nil, 0, nil)

	_, ok := r.Delete("c1")
	require.True(t, ok)

	subscribe(t, s, packets.Subscription{Topic: "a"})
	assert.Empty(t, r.Subscribers())

	_, ok = r.Delete("c1")
	assert.False(t, ok)
}

func TestRegistryDeleteSession(t *testing.T) {
	r := NewRegistry(BusConfig{}, nil, nil)
	s1, _ := r.Create("c1", nil, 0, nil)
	s2, _ := r.Create("c1", nil, 0, nil)

	assert.False(t, r.DeleteSession(s1))
	assert.True(t, r.DeleteSession(s2))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryCleanupExpired(t *testing.T) {
	r := NewRegistry(BusConfig{}, nil, nil)
	now := time.Now()

	expired, _ := r.Create("expired", nil, 1, nil)
	expired.MarkDisconnected(now.Add(-time.Minute))

	fresh, _ := r.Create("fresh", nil, 3600, nil)
	fresh.MarkDisconnected(now)

	never, _ := r.Create("never", nil, ExpiryNever, nil)
	never.MarkDisconnected(now.Add(-time.Hour))

	r.Create("connected", nil, 1, nil)

	got := r.CleanupExpired(now)
	require.Len(t, got, 1)
	assert.Equal(t, "expired", got[0].ID())
	assert.Equal(t, 3, r.Len())
}

func TestRegistryConcurrentSubscribeAndFanOut(t *testing.T) {
	r := NewRegistry(BusConfig{}, nil, nil)

	var wg sync.WaitGroup
	for i := range 20 {
		s, _ := r.Create(string(rune('a'+i)), nil, 0, nil)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				subscribe(t, s, packets.Subscription{Topic: "x/+"})
				s.Unsubscribe(context.Background(), []string{"x/+"}, nil)
			}
		}()
		go func() {
			defer wg.Done()
			for range 50 {
				for _, sub := range r.Subscribers() {
					sub.CheckSubscriptions("x/y", 1, "pub")
				}
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, r.Subscribers())
}
