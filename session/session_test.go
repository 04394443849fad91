// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/mqttengine/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionEnqueueRoutesPartitions(t *testing.T) {
	s := New("c1", Options{})

	require.NoError(t, s.Enqueue(publish("a", 0)))
	require.NoError(t, s.Enqueue(&packets.PubAck{PacketID: 3}))
	require.NoError(t, s.Enqueue(&packets.PingResp{}))

	assert.Equal(t, 1, s.Bus().Len(PartitionData))
	assert.Equal(t, 1, s.Bus().Len(PartitionControl))
	assert.Equal(t, 1, s.Bus().Len(PartitionHealth))
	assert.Empty(t, s.Unacknowledged())
}

func TestSessionTracksQoSPublishes(t *testing.T) {
	s := New("c1", Options{})

	p1, p2 := publish("a", 1), publish("b", 2)
	require.NoError(t, s.Enqueue(p1))
	require.NoError(t, s.Enqueue(p2))

	assert.NotZero(t, p1.PacketID)
	assert.NotEqual(t, p1.PacketID, p2.PacketID)
	assert.Equal(t, []*packets.Publish{p1, p2}, s.Unacknowledged())

	assert.True(t, s.Acknowledge(p1.PacketID))
	assert.False(t, s.Acknowledge(p1.PacketID))
	assert.Equal(t, []*packets.Publish{p2}, s.Unacknowledged())
}

func TestSessionNextPacketIDSkipsInFlight(t *testing.T) {
	s := New("c1", Options{})

	p := publish("a", 1)
	require.NoError(t, s.Enqueue(p))
	require.Equal(t, uint16(1), p.PacketID)

	s.nextID = 0
	id, err := s.NextPacketID()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), id)

	s.nextID = 0xFFFF
	id, err = s.NextPacketID()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), id, "wraps past the reserved zero and skips in-flight ids")
}

func TestSessionRecoverRequeuesUnacknowledged(t *testing.T) {
	s := New("c1", Options{})

	q0 := publish("q0", 0)
	q1 := publish("q1", 1)
	q2 := publish("q2", 2)
	require.NoError(t, s.Enqueue(q1))
	require.NoError(t, s.Enqueue(q0))
	require.NoError(t, s.Enqueue(q2))

	// The connection delivered everything but never saw the acks.
	for s.Bus().TryDequeue() != nil {
	}
	require.NoError(t, s.Enqueue(publish("later", 0)))

	s.Recover()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	item, err := s.Bus().Dequeue(ctx)
	require.NoError(t, err)
	first := item.Packet.(*packets.Publish)
	assert.Equal(t, "q1", first.Topic)
	assert.True(t, first.Dup)

	item, err = s.Bus().Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "q2", item.Packet.(*packets.Publish).Topic)
	assert.Equal(t, 0, s.Bus().Count())
}

func TestSessionRecoverIgnoresPendingBound(t *testing.T) {
	for _, strategy := range []OverflowStrategy{DropNewMessage, DropOldestQueuedMessage} {
		t.Run(strategy.String(), func(t *testing.T) {
			var dropped int
			s := New("c1", Options{
				Bus:    BusConfig{MaxPending: 2, Strategy: strategy},
				OnDrop: func(*Session, *packets.Publish) { dropped++ },
			})

			// Each publish is sent before the next one arrives, so the bus
			// never fills while the unacknowledged table grows past the bound.
			for _, topic := range []string{"a", "b", "c"} {
				require.NoError(t, s.Enqueue(publish(topic, 1)))
				require.NotNil(t, s.Bus().TryDequeue())
			}

			s.Recover()
			assert.Len(t, s.Unacknowledged(), 3)
			assert.Equal(t, 3, s.Bus().Count())

			// New traffic overflows without evicting the redeliveries.
			require.NoError(t, s.Enqueue(publish("d", 1)))
			assert.Equal(t, 1, dropped)

			var topics []string
			for item := s.Bus().TryDequeue(); item != nil; item = s.Bus().TryDequeue() {
				pub := item.Packet.(*packets.Publish)
				assert.True(t, pub.Dup, pub.Topic)
				topics = append(topics, pub.Topic)
			}
			assert.Equal(t, []string{"a", "b", "c"}, topics)
			assert.Len(t, s.Unacknowledged(), 3)
		})
	}
}

func TestSessionOverflowForgetsDroppedPublish(t *testing.T) {
	var dropped []*packets.Publish
	s := New("c1", Options{
		Bus:    BusConfig{MaxPending: 1, Strategy: DropOldestQueuedMessage},
		OnDrop: func(_ *Session, p *packets.Publish) { dropped = append(dropped, p) },
	})

	old := publish("old", 1)
	require.NoError(t, s.Enqueue(old))
	require.NoError(t, s.Enqueue(publish("new", 1)))

	require.Len(t, dropped, 1)
	assert.Same(t, old, dropped[0])
	unacked := s.Unacknowledged()
	require.Len(t, unacked, 1)
	assert.Equal(t, "new", unacked[0].Topic)
}

func TestSessionWillAndExpiry(t *testing.T) {
	connect := &packets.Connect{ClientID: "c1", Will: &packets.Will{Topic: "will", Payload: []byte("bye")}}
	s := New("c1", Options{Connect: connect, ExpiryInterval: 10})

	assert.Equal(t, "will", s.Will().Topic)
	assert.True(t, s.MarkWillSent())
	assert.False(t, s.MarkWillSent())

	now := time.Now()
	assert.False(t, s.IsExpired(now), "connected sessions never expire")

	s.MarkDisconnected(now)
	assert.False(t, s.IsExpired(now.Add(10*time.Second)))
	assert.True(t, s.IsExpired(now.Add(11*time.Second)))

	s.SetExpiryInterval(ExpiryNever)
	assert.False(t, s.IsExpired(now.Add(24*time.Hour)))

	s.Reattach(&packets.Connect{ClientID: "c1"}, 5, nil)
	assert.Nil(t, s.Will())
	assert.False(t, s.WillSent())
	assert.True(t, s.DisconnectedAt().IsZero())
	assert.Equal(t, uint32(5), s.ExpiryInterval())
}

func TestSessionInfo(t *testing.T) {
	s := New("c1", Options{ExpiryInterval: 30})
	subscribe(t, s, packets.Subscription{Topic: "b"}, packets.Subscription{Topic: "a", QoS: 1})
	require.NoError(t, s.Enqueue(publish("x", 1)))

	info := s.Info()
	assert.Equal(t, "c1", info.ID)
	assert.Equal(t, uint32(30), info.ExpiryInterval)
	assert.Equal(t, 1, info.PendingMessages)
	assert.Equal(t, 1, info.Unacknowledged)
	require.Len(t, info.Subscriptions, 2)
	assert.Equal(t, "a", info.Subscriptions[0].Topic)
}
