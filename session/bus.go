// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"slices"
	"sync"

	"github.com/absmach/mqttengine/packets"
)

// Partition is one of the three priority lanes of a PacketBus.
type Partition int

// Partitions in drain order.
const (
	PartitionHealth Partition = iota
	PartitionControl
	PartitionData
	partitionCount
)

func (p Partition) String() string {
	switch p {
	case PartitionHealth:
		return "health"
	case PartitionControl:
		return "control"
	case PartitionData:
		return "data"
	default:
		return "unknown"
	}
}

// PartitionOf returns the partition a packet is queued on.
func PartitionOf(pkt packets.ControlPacket) Partition {
	switch pkt.(type) {
	case *packets.Publish:
		return PartitionData
	case *packets.PingReq, *packets.PingResp:
		return PartitionHealth
	default:
		return PartitionControl
	}
}

// OverflowStrategy decides what happens when a full bus receives a PUBLISH.
type OverflowStrategy int

const (
	// DropNewMessage discards the message being enqueued.
	DropNewMessage OverflowStrategy = iota
	// DropOldestQueuedMessage evicts the oldest queued PUBLISH.
	DropOldestQueuedMessage
)

func (s OverflowStrategy) String() string {
	if s == DropOldestQueuedMessage {
		return "drop_oldest"
	}
	return "drop_new"
}

// BusItem is an outbound packet together with the callbacks the sender
// reports the delivery outcome through. Exactly one of Complete, Fail and
// Cancel takes effect.
type BusItem struct {
	Packet packets.ControlPacket

	OnComplete func()
	OnFail     func(err error)
	OnCancel   func()

	once   sync.Once
	pinned bool // requeued for redelivery, never evicted
}

// NewBusItem wraps a packet without callbacks.
func NewBusItem(pkt packets.ControlPacket) *BusItem {
	return &BusItem{Packet: pkt}
}

// Complete marks the packet as written to the channel.
func (i *BusItem) Complete() {
	i.once.Do(func() {
		if i.OnComplete != nil {
			i.OnComplete()
		}
	})
}

// Fail marks the send as failed.
func (i *BusItem) Fail(err error) {
	i.once.Do(func() {
		if i.OnFail != nil {
			i.OnFail(err)
		}
	})
}

// Cancel marks the send as abandoned because the connection was cancelled.
func (i *BusItem) Cancel() {
	i.once.Do(func() {
		if i.OnCancel != nil {
			i.OnCancel()
		}
	})
}

// BusConfig bounds a PacketBus.
type BusConfig struct {
	// MaxPending is the item count at which PUBLISH enqueues overflow.
	// Zero means unbounded.
	MaxPending int
	Strategy   OverflowStrategy
}

// PacketBus is a per-session outbound queue with three partitions drained in
// strict priority order: Health, Control, Data. Items are FIFO within a
// partition. It is safe for concurrent use.
//
// The pending bound is compared against the total item count but only
// enforced on PUBLISH enqueues, so ping and handshake packets are never lost.
type PacketBus struct {
	mu         sync.Mutex
	partitions [partitionCount][]*BusItem
	count      int
	signal     chan struct{}
	cfg        BusConfig
	onDrop     func(*BusItem)
}

// NewPacketBus creates an empty bus. onDrop, if set, is called outside the
// bus lock for every item discarded by the overflow strategy.
func NewPacketBus(cfg BusConfig, onDrop func(*BusItem)) *PacketBus {
	return &PacketBus{
		signal: make(chan struct{}, 1),
		cfg:    cfg,
		onDrop: onDrop,
	}
}

// Enqueue appends the item to a partition and reports whether it was
// accepted. It never blocks.
func (b *PacketBus) Enqueue(item *BusItem, p Partition) bool {
	var dropped *BusItem
	accepted := true

	b.mu.Lock()
	if p == PartitionData && b.cfg.MaxPending > 0 && b.count >= b.cfg.MaxPending {
		data := b.partitions[PartitionData]
		oldest := -1
		if b.cfg.Strategy == DropOldestQueuedMessage {
			oldest = slices.IndexFunc(data, func(it *BusItem) bool { return !it.pinned })
		}
		if oldest >= 0 {
			dropped = data[oldest]
			b.partitions[PartitionData] = slices.Delete(data, oldest, oldest+1)
			b.count--
		} else {
			dropped = item
			accepted = false
		}
	}
	if accepted {
		b.partitions[p] = append(b.partitions[p], item)
		b.count++
	}
	b.mu.Unlock()

	if accepted {
		b.notify()
	}
	if dropped != nil && b.onDrop != nil {
		b.onDrop(dropped)
	}
	return accepted
}

// Requeue appends an item being redelivered. It bypasses the pending bound
// and the item is never evicted by the overflow strategy.
func (b *PacketBus) Requeue(item *BusItem, p Partition) {
	item.pinned = true

	b.mu.Lock()
	b.partitions[p] = append(b.partitions[p], item)
	b.count++
	b.mu.Unlock()

	b.notify()
}

// Dequeue removes the head of the highest-priority non-empty partition,
// waiting until an item exists or ctx is done.
func (b *PacketBus) Dequeue(ctx context.Context) (*BusItem, error) {
	for {
		if item := b.pop(); item != nil {
			return item, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.signal:
		}
	}
}

// TryDequeue is Dequeue without waiting.
func (b *PacketBus) TryDequeue() *BusItem {
	return b.pop()
}

func (b *PacketBus) pop() *BusItem {
	b.mu.Lock()
	defer b.mu.Unlock()

	for p := range b.partitions {
		q := b.partitions[p]
		if len(q) == 0 {
			continue
		}
		item := q[0]
		q[0] = nil
		b.partitions[p] = q[1:]
		b.count--
		if b.count > 0 {
			// Another waiter may be parked on the signal.
			b.notify()
		}
		return item
	}
	return nil
}

func (b *PacketBus) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Clear discards every queued item and returns them in drain order.
func (b *PacketBus) Clear() []*BusItem {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := make([]*BusItem, 0, b.count)
	for p := range b.partitions {
		items = append(items, b.partitions[p]...)
		b.partitions[p] = nil
	}
	b.count = 0

	select {
	case <-b.signal:
	default:
	}
	return items
}

// Count returns the total number of queued items.
func (b *PacketBus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Len returns the number of items queued on one partition.
func (b *PacketBus) Len(p Partition) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.partitions[p])
}
