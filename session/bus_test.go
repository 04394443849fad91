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

func publish(topic string, qos byte) *packets.Publish {
	return &packets.Publish{Topic: topic, QoS: qos, Payload: []byte(topic)}
}

func TestPacketBusPriority(t *testing.T) {
	bus := NewPacketBus(BusConfig{}, nil)

	bus.Enqueue(NewBusItem(publish("data", 0)), PartitionData)
	bus.Enqueue(NewBusItem(&packets.SubAck{PacketID: 1}), PartitionControl)
	bus.Enqueue(NewBusItem(&packets.PingResp{}), PartitionHealth)
	bus.Enqueue(NewBusItem(publish("data2", 0)), PartitionData)

	ctx := context.Background()
	var got []string
	for range 4 {
		item, err := bus.Dequeue(ctx)
		require.NoError(t, err)
		got = append(got, packets.Name(item.Packet))
	}

	assert.Equal(t, []string{"PINGRESP", "SUBACK", "PUBLISH", "PUBLISH"}, got)
	assert.Equal(t, 0, bus.Count())
}

func TestPacketBusFIFOWithinPartition(t *testing.T) {
	bus := NewPacketBus(BusConfig{}, nil)
	for _, topic := range []string{"a", "b", "c"} {
		bus.Enqueue(NewBusItem(publish(topic, 0)), PartitionData)
	}

	for _, want := range []string{"a", "b", "c"} {
		item := bus.TryDequeue()
		require.NotNil(t, item)
		assert.Equal(t, want, item.Packet.(*packets.Publish).Topic)
	}
	assert.Nil(t, bus.TryDequeue())
}

func TestPacketBusDequeueWaits(t *testing.T) {
	bus := NewPacketBus(BusConfig{}, nil)

	done := make(chan *BusItem)
	go func() {
		item, err := bus.Dequeue(context.Background())
		assert.NoError(t, err)
		done <- item
	}()

	select {
	case <-done:
		t.Fatal("dequeue returned on an empty bus")
	case <-time.After(20 * time.Millisecond):
	}

	bus.Enqueue(NewBusItem(&packets.PingResp{}), PartitionHealth)

	select {
	case item := <-done:
		assert.IsType(t, &packets.PingResp{}, item.Packet)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestPacketBusDequeueCancelled(t *testing.T) {
	bus := NewPacketBus(BusConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	item, err := bus.Dequeue(ctx)
	assert.Nil(t, item)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPacketBusOverflow(t *testing.T) {
	tests := []struct {
		name     string
		strategy OverflowStrategy
		want     []string
		dropped  string
	}{
		{"drop new", DropNewMessage, []string{"a", "b"}, "c"},
		{"drop oldest", DropOldestQueuedMessage, []string{"b", "c"}, "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dropped []string
			bus := NewPacketBus(BusConfig{MaxPending: 2, Strategy: tt.strategy}, func(item *BusItem) {
				dropped = append(dropped, item.Packet.(*packets.Publish).Topic)
			})

			assert.True(t, bus.Enqueue(NewBusItem(publish("a", 0)), PartitionData))
			assert.True(t, bus.Enqueue(NewBusItem(publish("b", 0)), PartitionData))
			accepted := bus.Enqueue(NewBusItem(publish("c", 0)), PartitionData)
			assert.Equal(t, tt.strategy == DropOldestQueuedMessage, accepted)

			// Control packets bypass the bound.
			assert.True(t, bus.Enqueue(NewBusItem(&packets.PubAck{PacketID: 1}), PartitionControl))
			assert.Equal(t, 3, bus.Count())

			var got []string
			for bus.Len(PartitionData) > 0 {
				item := bus.TryDequeue()
				if pub, ok := item.Packet.(*packets.Publish); ok {
					got = append(got, pub.Topic)
				}
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, []string{tt.dropped}, dropped)
		})
	}
}

func TestPacketBusRequeueIsNeverEvicted(t *testing.T) {
	var dropped []string
	bus := NewPacketBus(BusConfig{MaxPending: 3, Strategy: DropOldestQueuedMessage}, func(item *BusItem) {
		dropped = append(dropped, item.Packet.(*packets.Publish).Topic)
	})

	bus.Requeue(NewBusItem(publish("r1", 1)), PartitionData)
	bus.Requeue(NewBusItem(publish("r2", 1)), PartitionData)
	bus.Requeue(NewBusItem(publish("r3", 1)), PartitionData)
	assert.Equal(t, 3, bus.Count())
	assert.False(t, bus.Enqueue(NewBusItem(publish("x", 0)), PartitionData), "nothing evictable")

	bus.TryDequeue()
	assert.True(t, bus.Enqueue(NewBusItem(publish("a", 0)), PartitionData))
	assert.True(t, bus.Enqueue(NewBusItem(publish("b", 0)), PartitionData))
	assert.True(t, bus.Enqueue(NewBusItem(publish("c", 0)), PartitionData))
	assert.Equal(t, []string{"x", "a", "b"}, dropped)

	var got []string
	for item := bus.TryDequeue(); item != nil; item = bus.TryDequeue() {
		got = append(got, item.Packet.(*packets.Publish).Topic)
	}
	assert.Equal(t, []string{"r2", "r3", "c"}, got)
}

func TestPacketBusClear(t *testing.T) {
	bus := NewPacketBus(BusConfig{}, nil)
	bus.Enqueue(NewBusItem(publish("a", 0)), PartitionData)
	bus.Enqueue(NewBusItem(&packets.PingResp{}), PartitionHealth)

	items := bus.Clear()
	assert.Len(t, items, 2)
	assert.Equal(t, 0, bus.Count())
	assert.Nil(t, bus.TryDequeue())
}

func TestBusItemCallbacksFireOnce(t *testing.T) {
	var completed, failed, cancelled int
	item := &BusItem{
		Packet:     &packets.PingResp{},
		OnComplete: func() { completed++ },
		OnFail:     func(error) { failed++ },
		OnCancel:   func() { cancelled++ },
	}

	item.Complete()
	item.Fail(assert.AnError)
	item.Cancel()
	item.Complete()

	assert.Equal(t, 1, completed)
	assert.Zero(t, failed)
	assert.Zero(t, cancelled)
}

func TestPartitionOf(t *testing.T) {
	assert.Equal(t, PartitionData, PartitionOf(&packets.Publish{}))
	assert.Equal(t, PartitionHealth, PartitionOf(&packets.PingResp{}))
	assert.Equal(t, PartitionControl, PartitionOf(&packets.PubRel{}))
	assert.Equal(t, PartitionControl, PartitionOf(&packets.Disconnect{}))
}
