// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/absmach/mqttengine/packets"
	"github.com/absmach/mqttengine/storage"
	"github.com/absmach/mqttengine/topics"
)

// Verdict is an interceptor's answer for one subscribe or unsubscribe entry.
type Verdict struct {
	// Reject refuses the entry. ReasonCode is reported in its place; zero
	// means packets.NotAuthorized.
	Reject     bool
	ReasonCode packets.ReasonCode
	// CloseConnection asks the broker to drop the client after acknowledging.
	CloseConnection bool
}

// SubscriptionInterceptor decides on a single SUBSCRIBE entry.
type SubscriptionInterceptor func(ctx context.Context, clientID string, sub *packets.Subscription) (Verdict, error)

// UnsubscriptionInterceptor decides on a single UNSUBSCRIBE entry.
type UnsubscriptionInterceptor func(ctx context.Context, clientID, filter string) (Verdict, error)

// SubscribeResult is the outcome of Session.Subscribe.
type SubscribeResult struct {
	// ReasonCodes holds one code per requested filter in request order.
	ReasonCodes []packets.ReasonCode
	// Retained holds the retained messages to deliver for this request.
	Retained        []*packets.Publish
	CloseConnection bool
}

// UnsubscribeResult is the outcome of Session.Unsubscribe.
type UnsubscribeResult struct {
	ReasonCodes     []packets.ReasonCode
	CloseConnection bool
}

// CheckResult reports how a session is subscribed to a topic.
type CheckResult struct {
	IsSubscribed            bool
	QoS                     byte
	RetainAsPublished       bool
	SubscriptionIdentifiers []uint32
}

// Subscribe adds the filters of req to the session. Filters are applied in
// ascending QoS order so that a repeated filter ends up with its highest
// grant; reason codes keep request order. retained is the current retained
// set the request may select from; each retained message is returned at
// most once per call.
func (s *Session) Subscribe(ctx context.Context, req *packets.Subscribe, retained []*storage.Message, intercept SubscriptionInterceptor) SubscribeResult {
	res := SubscribeResult{ReasonCodes: make([]packets.ReasonCode, len(req.Subscriptions))}

	order := make([]int, len(req.Subscriptions))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return int(req.Subscriptions[a].QoS) - int(req.Subscriptions[b].QoS)
	})

	candidates := slices.Clone(retained)

	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	wasEmpty := s.subs.len() == 0
	for _, i := range order {
		opts := req.Subscriptions[i]

		if err := topics.ValidateFilter(opts.Topic); err != nil || opts.QoS > 2 {
			res.ReasonCodes[i] = packets.TopicFilterInvalid
			continue
		}

		if intercept != nil {
			v := s.intercept(func() (Verdict, error) { return intercept(ctx, s.id, &opts) }, opts.Topic)
			if v.CloseConnection {
				res.CloseConnection = true
			}
			if v.Reject {
				res.ReasonCodes[i] = rejectCode(v)
				continue
			}
		}

		sub := NewSubscription(opts, req.SubscriptionIdentifier)
		isNew := s.subs.put(sub)
		res.ReasonCodes[i] = packets.GrantedQoS(sub.QoS)

		if !sendRetained(sub.RetainHandling, isNew) {
			continue
		}
		candidates = slices.DeleteFunc(candidates, func(m *storage.Message) bool {
			if !topics.MatchValid(m.Topic, sub.Topic) {
				return false
			}
			res.Retained = append(res.Retained, retainedPublish(m, sub))
			return true
		})
	}

	if wasEmpty && s.subs.len() > 0 && s.onMembership != nil {
		s.onMembership(s, true)
	}

	return res
}

// Unsubscribe removes filters from the session.
func (s *Session) Unsubscribe(ctx context.Context, filters []string, intercept UnsubscriptionInterceptor) UnsubscribeResult {
	res := UnsubscribeResult{ReasonCodes: make([]packets.ReasonCode, len(filters))}

	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	hadSubs := s.subs.len() > 0
	for i, filter := range filters {
		if intercept != nil {
			v := s.intercept(func() (Verdict, error) { return intercept(ctx, s.id, filter) }, filter)
			if v.CloseConnection {
				res.CloseConnection = true
			}
			if v.Reject {
				res.ReasonCodes[i] = rejectCode(v)
				continue
			}
		}

		if s.subs.remove(filter) {
			res.ReasonCodes[i] = packets.Success
		} else {
			res.ReasonCodes[i] = packets.NoSubscriptionExisted
		}
	}

	if hadSubs && s.subs.len() == 0 && s.onMembership != nil {
		s.onMembership(s, false)
	}

	return res
}

// CheckSubscriptions reports whether a message published on topic by
// publisherID at publisherQoS is routed to this session, and at which QoS.
func (s *Session) CheckSubscriptions(topic string, publisherQoS byte, publisherID string) CheckResult {
	var (
		res     CheckResult
		granted [3]bool
		maxQoS  byte
	)

	s.subsMu.RLock()
	s.subs.match(topic, func(sub *Subscription) {
		if sub.NoLocal && publisherID == s.id {
			return
		}
		res.IsSubscribed = true
		if sub.RetainAsPublished {
			res.RetainAsPublished = true
		}
		if sub.Identifier > 0 {
			res.SubscriptionIdentifiers = append(res.SubscriptionIdentifiers, sub.Identifier)
		}
		granted[sub.QoS] = true
		maxQoS = max(maxQoS, sub.QoS)
	})
	s.subsMu.RUnlock()

	if !res.IsSubscribed {
		return res
	}

	// Without an exact grant for the publisher's QoS, the maximum grant also
	// covers the case of a single distinct grant.
	res.QoS = maxQoS
	if publisherQoS <= 2 && granted[publisherQoS] {
		res.QoS = publisherQoS
	}
	return res
}

// Subscriptions returns a copy of the session's subscriptions.
func (s *Session) Subscriptions() []Subscription {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	subs := make([]Subscription, 0, len(s.subs.byTopic))
	for _, sub := range s.subs.byTopic {
		subs = append(subs, *sub)
	}
	slices.SortFunc(subs, func(a, b Subscription) int {
		switch {
		case a.Topic < b.Topic:
			return -1
		case a.Topic > b.Topic:
			return 1
		}
		return 0
	})
	return subs
}

// HasSubscriptions reports whether the session participates in fan-out.
func (s *Session) HasSubscriptions() bool {
	return s.SubscriptionCount() > 0
}

// SubscriptionCount returns the number of topic filters the session holds.
func (s *Session) SubscriptionCount() int {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	return s.subs.len()
}

// intercept runs an interceptor, turning errors and panics into a pass.
func (s *Session) intercept(fn func() (Verdict, error), filter string) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscription interceptor panicked",
				slog.String("client_id", s.id),
				slog.String("filter", filter),
				slog.String("panic", fmt.Sprint(r)))
			v = Verdict{}
		}
	}()

	v, err := fn()
	if err != nil {
		s.logger.Error("subscription interceptor failed",
			slog.String("client_id", s.id),
			slog.String("filter", filter),
			slog.String("error", err.Error()))
		return Verdict{}
	}
	return v
}

func rejectCode(v Verdict) packets.ReasonCode {
	if v.ReasonCode.IsError() {
		return v.ReasonCode
	}
	return packets.NotAuthorized
}

func sendRetained(rh packets.RetainHandling, isNew bool) bool {
	switch rh {
	case packets.SendAtSubscribe:
		return true
	case packets.SendAtSubscribeIfNew:
		return isNew
	default:
		return false
	}
}

func retainedPublish(m *storage.Message, sub *Subscription) *packets.Publish {
	p := m.Publish(min(m.QoS, sub.QoS), true)
	if sub.Identifier > 0 {
		p.SubscriptionIdentifiers = []uint32{sub.Identifier}
	}
	return p
}
