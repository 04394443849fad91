// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"github.com/absmach/mqttengine/packets"
	"github.com/absmach/mqttengine/topics"
)

// Subscription is one topic filter held by a session. The hash fields are
// derived from Topic when the subscription is created and never change.
type Subscription struct {
	Topic             string
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    packets.RetainHandling
	Identifier        uint32

	hash        uint64
	mask        uint64
	hasWildcard bool
}

// NewSubscription builds a subscription from a SUBSCRIBE entry.
func NewSubscription(opts packets.Subscription, identifier uint32) *Subscription {
	hash, mask, wildcard := topics.Hash(opts.Topic)
	return &Subscription{
		Topic:             opts.Topic,
		QoS:               opts.QoS,
		NoLocal:           opts.NoLocal,
		RetainAsPublished: opts.RetainAsPublished,
		RetainHandling:    opts.RetainHandling,
		Identifier:        identifier,
		hash:              hash,
		mask:              mask,
		hasWildcard:       wildcard,
	}
}

// Hash returns the topic hash of the filter.
func (s *Subscription) Hash() uint64 { return s.hash }

// Mask returns the topic hash mask of the filter.
func (s *Subscription) Mask() uint64 { return s.mask }

// HasWildcard reports whether the filter contains '+' or '#'.
func (s *Subscription) HasWildcard() bool { return s.hasWildcard }

// subscriptionIndex stores a session's subscriptions keyed by filter, plus
// hash buckets for routing. Callers hold the session's subscription lock.
type subscriptionIndex struct {
	byTopic  map[string]*Subscription
	exact    map[uint64][]*Subscription            // hash -> subs
	wildcard map[uint64]map[uint64][]*Subscription // mask -> hash -> subs
}

func newSubscriptionIndex() *subscriptionIndex {
	return &subscriptionIndex{
		byTopic:  make(map[string]*Subscription),
		exact:    make(map[uint64][]*Subscription),
		wildcard: make(map[uint64]map[uint64][]*Subscription),
	}
}

func (x *subscriptionIndex) len() int {
	return len(x.byTopic)
}

// put stores sub, replacing any subscription with the same filter, and
// reports whether the filter was new.
func (x *subscriptionIndex) put(sub *Subscription) bool {
	_, existed := x.byTopic[sub.Topic]
	if existed {
		x.remove(sub.Topic)
	}

	x.byTopic[sub.Topic] = sub
	if !sub.hasWildcard {
		x.exact[sub.hash] = append(x.exact[sub.hash], sub)
		return !existed
	}

	byHash, ok := x.wildcard[sub.mask]
	if !ok {
		byHash = make(map[uint64][]*Subscription)
		x.wildcard[sub.mask] = byHash
	}
	byHash[sub.hash] = append(byHash[sub.hash], sub)
	return !existed
}

func (x *subscriptionIndex) remove(topic string) bool {
	sub, ok := x.byTopic[topic]
	if !ok {
		return false
	}
	delete(x.byTopic, topic)

	if !sub.hasWildcard {
		if rest := without(x.exact[sub.hash], sub); len(rest) > 0 {
			x.exact[sub.hash] = rest
		} else {
			delete(x.exact, sub.hash)
		}
		return true
	}

	byHash := x.wildcard[sub.mask]
	if rest := without(byHash[sub.hash], sub); len(rest) > 0 {
		byHash[sub.hash] = rest
	} else {
		delete(byHash, sub.hash)
	}
	if len(byHash) == 0 {
		delete(x.wildcard, sub.mask)
	}
	return true
}

// match calls fn for every subscription whose filter matches topic.
func (x *subscriptionIndex) match(topic string, fn func(*Subscription)) {
	hash, _, _ := topics.Hash(topic)

	for _, sub := range x.exact[hash] {
		if sub.Topic == topic {
			fn(sub)
		}
	}

	for mask, byHash := range x.wildcard {
		for _, sub := range byHash[hash&mask] {
			if topics.MatchValid(topic, sub.Topic) {
				fn(sub)
			}
		}
	}
}

func without(subs []*Subscription, sub *Subscription) []*Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s != sub {
			out = append(out, s)
		}
	}
	return out
}
