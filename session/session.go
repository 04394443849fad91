// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/absmach/mqttengine/packets"
)

// ExpiryNever marks a session that never expires once disconnected.
const ExpiryNever = math.MaxUint32

// ErrPacketIDsExhausted is returned when every packet identifier is in flight.
var ErrPacketIDsExhausted = errors.New("no free packet identifier")

// Session is the durable state of one MQTT client. It outlives connections
// when the client asked for a persistent session.
type Session struct {
	id        string
	createdAt time.Time
	logger    *slog.Logger

	subsMu sync.RWMutex
	subs   *subscriptionIndex

	bus *PacketBus

	unackedMu sync.Mutex
	unacked   map[uint16]unackedEntry
	seq       uint64
	nextID    uint16

	mu             sync.Mutex
	expiryInterval uint32
	disconnectedAt time.Time
	connect        *packets.Connect
	willSent       bool
	items          map[string]any

	onMembership func(*Session, bool)
	onDrop       func(*Session, *packets.Publish)
}

type unackedEntry struct {
	pkt *packets.Publish
	seq uint64
}

// Options configures a new Session.
type Options struct {
	Bus            BusConfig
	ExpiryInterval uint32
	Connect        *packets.Connect
	Items          map[string]any
	Logger         *slog.Logger

	// OnMembership is called when the session gains its first subscription
	// (true) or loses its last one (false), with the subscription lock held.
	OnMembership func(*Session, bool)
	// OnDrop is called for every PUBLISH discarded by bus overflow.
	OnDrop func(*Session, *packets.Publish)
}

// New creates a session.
func New(id string, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		id:             id,
		createdAt:      time.Now(),
		logger:         logger,
		subs:           newSubscriptionIndex(),
		unacked:        make(map[uint16]unackedEntry),
		expiryInterval: opts.ExpiryInterval,
		connect:        opts.Connect,
		items:          opts.Items,
		onMembership:   opts.OnMembership,
		onDrop:         opts.OnDrop,
	}
	s.bus = NewPacketBus(opts.Bus, s.dropped)
	return s
}

// ID returns the client identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Bus returns the outbound packet bus.
func (s *Session) Bus() *PacketBus { return s.bus }

// Enqueue queues an outbound packet on the partition matching its type.
// A PUBLISH with QoS > 0 gets a packet identifier if it has none and is
// tracked as unacknowledged until Acknowledge.
func (s *Session) Enqueue(pkt packets.ControlPacket) error {
	if pub, ok := pkt.(*packets.Publish); ok && pub.QoS > 0 {
		if err := s.track(pub); err != nil {
			return err
		}
	}
	s.bus.Enqueue(NewBusItem(pkt), PartitionOf(pkt))
	return nil
}

// Redeliver queues an unacknowledged PUBLISH again with Dup set. The pending
// bound does not apply, so an in-flight message is never lost to overflow.
func (s *Session) Redeliver(pub *packets.Publish) {
	pub.Dup = true
	s.bus.Requeue(NewBusItem(pub), PartitionData)
}

func (s *Session) track(pub *packets.Publish) error {
	s.unackedMu.Lock()
	defer s.unackedMu.Unlock()

	if pub.PacketID == 0 {
		id, err := s.nextPacketIDLocked()
		if err != nil {
			return err
		}
		pub.PacketID = id
	}
	s.seq++
	s.unacked[pub.PacketID] = unackedEntry{pkt: pub, seq: s.seq}
	return nil
}

// NextPacketID returns an identifier not used by any unacknowledged PUBLISH.
func (s *Session) NextPacketID() (uint16, error) {
	s.unackedMu.Lock()
	defer s.unackedMu.Unlock()
	return s.nextPacketIDLocked()
}

func (s *Session) nextPacketIDLocked() (uint16, error) {
	if len(s.unacked) >= math.MaxUint16 {
		return 0, ErrPacketIDsExhausted
	}
	for {
		s.nextID++
		if s.nextID == 0 {
			continue // Packet ID 0 is reserved
		}
		if _, used := s.unacked[s.nextID]; !used {
			return s.nextID, nil
		}
	}
}

// Acknowledge forgets an unacknowledged PUBLISH. It reports whether the
// identifier was in flight.
func (s *Session) Acknowledge(id uint16) bool {
	s.unackedMu.Lock()
	defer s.unackedMu.Unlock()

	if _, ok := s.unacked[id]; !ok {
		return false
	}
	delete(s.unacked, id)
	return true
}

// Unacknowledged returns the in-flight PUBLISH packets in the order they
// were first queued.
func (s *Session) Unacknowledged() []*packets.Publish {
	s.unackedMu.Lock()
	entries := make([]unackedEntry, 0, len(s.unacked))
	for _, e := range s.unacked {
		entries = append(entries, e)
	}
	s.unackedMu.Unlock()

	slices.SortFunc(entries, func(a, b unackedEntry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	pubs := make([]*packets.Publish, len(entries))
	for i, e := range entries {
		pubs[i] = e.pkt
	}
	return pubs
}

// Recover prepares a reattached session: the bus is cleared and every
// unacknowledged PUBLISH is queued again with Dup set, oldest first.
func (s *Session) Recover() {
	for _, item := range s.bus.Clear() {
		item.Cancel()
	}
	for _, pub := range s.Unacknowledged() {
		s.Redeliver(pub)
	}
}

// dropped is the bus overflow callback.
func (s *Session) dropped(item *BusItem) {
	item.Cancel()

	pub, ok := item.Packet.(*packets.Publish)
	if !ok {
		return
	}

	if pub.QoS > 0 {
		s.unackedMu.Lock()
		if e, ok := s.unacked[pub.PacketID]; ok && e.pkt == pub {
			delete(s.unacked, pub.PacketID)
		}
		s.unackedMu.Unlock()
	}

	if s.onDrop != nil {
		s.onDrop(s, pub)
	}
}

// Reattach records a new CONNECT for an existing session.
func (s *Session) Reattach(connect *packets.Connect, expiry uint32, items map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connect = connect
	s.expiryInterval = expiry
	s.willSent = false
	s.disconnectedAt = time.Time{}
	if items != nil {
		s.items = items
	}
}

// LatestConnect returns the CONNECT packet of the most recent connection.
func (s *Session) LatestConnect() *packets.Connect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connect
}

// Will returns the will of the latest connection, if any.
func (s *Session) Will() *packets.Will {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connect == nil {
		return nil
	}
	return s.connect.Will
}

// MarkWillSent records that the will was published. It returns false if it
// had already been sent.
func (s *Session) MarkWillSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.willSent {
		return false
	}
	s.willSent = true
	return true
}

// WillSent reports whether the will of the latest connection was published.
func (s *Session) WillSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.willSent
}

// Items returns the values the connection validator attached to the session.
func (s *Session) Items() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items
}

// ExpiryInterval returns the session expiry interval in seconds.
func (s *Session) ExpiryInterval() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiryInterval
}

// SetExpiryInterval updates the expiry interval, as an MQTT 5 DISCONNECT may.
func (s *Session) SetExpiryInterval(expiry uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiryInterval = expiry
}

// MarkDisconnected stamps the time the last connection went away.
func (s *Session) MarkDisconnected(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectedAt = t
}

// DisconnectedAt returns when the session lost its connection, or the zero
// time while connected.
func (s *Session) DisconnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectedAt
}

// IsExpired reports whether a disconnected session outlived its expiry.
func (s *Session) IsExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disconnectedAt.IsZero() || s.expiryInterval == ExpiryNever {
		return false
	}
	deadline := s.disconnectedAt.Add(time.Duration(s.expiryInterval) * time.Second)
	return now.After(deadline)
}

// Info is a point-in-time view of a session.
type Info struct {
	ID              string
	CreatedAt       time.Time
	DisconnectedAt  time.Time
	ExpiryInterval  uint32
	Subscriptions   []Subscription
	PendingMessages int
	Unacknowledged  int
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.unackedMu.Lock()
	unacked := len(s.unacked)
	s.unackedMu.Unlock()

	s.mu.Lock()
	disconnectedAt, expiry := s.disconnectedAt, s.expiryInterval
	s.mu.Unlock()

	return Info{
		ID:              s.id,
		CreatedAt:       s.createdAt,
		DisconnectedAt:  disconnectedAt,
		ExpiryInterval:  expiry,
		Subscriptions:   s.Subscriptions(),
		PendingMessages: s.bus.Count(),
		Unacknowledged:  unacked,
	}
}
