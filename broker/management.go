// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/absmach/mqttengine/broker/events"
	"github.com/absmach/mqttengine/packets"
	"github.com/absmach/mqttengine/session"
	"golang.org/x/sync/errgroup"
)

// Subscribe adds subscriptions to a client's session on the server's
// behalf. Matching retained messages are queued like for a client
// SUBSCRIBE. It returns one reason code per subscription.
func (b *Broker) Subscribe(ctx context.Context, clientID string, subs ...packets.Subscription) ([]packets.ReasonCode, error) {
	s, ok := b.registry.Get(clientID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	before := s.SubscriptionCount()
	res := s.Subscribe(ctx, &packets.Subscribe{Subscriptions: subs}, b.retained.GetAll(), b.hooks.InterceptSubscription)
	b.subscriptionsChanged(clientID, before, s.SubscriptionCount())

	for _, pub := range res.Retained {
		if err := s.Enqueue(pub); err != nil {
			b.logError("subscribe_retained", err, slog.String("client_id", clientID), slog.String("topic", pub.Topic))
		}
	}
	for i, sub := range subs {
		if !res.ReasonCodes[i].IsError() {
			b.notify(events.SubscriptionCreated{ClientID: clientID, TopicFilter: sub.Topic, QoS: byte(res.ReasonCodes[i])})
		}
	}
	return res.ReasonCodes, nil
}

// Unsubscribe removes topic filters from a client's session.
func (b *Broker) Unsubscribe(ctx context.Context, clientID string, filters ...string) ([]packets.ReasonCode, error) {
	s, ok := b.registry.Get(clientID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	before := s.SubscriptionCount()
	res := s.Unsubscribe(ctx, filters, b.hooks.InterceptUnsubscription)
	b.subscriptionsChanged(clientID, before, s.SubscriptionCount())

	for i, filter := range filters {
		if res.ReasonCodes[i] == packets.Success {
			b.notify(events.SubscriptionRemoved{ClientID: clientID, TopicFilter: filter})
		}
	}
	return res.ReasonCodes, nil
}

// GetSessions returns a snapshot of every session ordered by client ID.
func (b *Broker) GetSessions() []session.Info {
	all := b.registry.All()
	infos := make([]session.Info, 0, len(all))
	for _, s := range all {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// GetClients returns a snapshot of every live connection ordered by client
// ID.
func (b *Broker) GetClients() []ClientInfo {
	clients := b.liveClients()
	infos := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		infos = append(infos, c.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// DeleteSession stops the client's connection, if any, and removes its
// session. The will of a connection stopped this way is not published.
func (b *Broker) DeleteSession(clientID string) error {
	b.createMu.Lock()
	defer b.createMu.Unlock()

	if c, ok := b.client(clientID); ok {
		c.detached.Store(true)
		c.Stop(packets.AdministrativeAction)
	}

	s, ok := b.registry.Delete(clientID)
	if !ok {
		return ErrSessionNotFound
	}
	b.metrics.RecordSessions(-1)
	b.subscriptionsChanged(clientID, s.SubscriptionCount(), 0)
	b.logOp("session_deleted", slog.String("client_id", clientID))
	return nil
}

// CloseAllConnections stops every live connection with reason and waits
// for their loops to exit, each for at most the communication timeout.
func (b *Broker) CloseAllConnections(reason packets.ReasonCode) {
	var g errgroup.Group
	for _, c := range b.liveClients() {
		g.Go(func() error {
			c.Stop(reason)
			b.waitDone(c)
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Broker) waitDone(c *Client) {
	timeout := b.cfg.DefaultCommunicationTimeout
	if timeout <= 0 {
		<-c.done
		return
	}
	select {
	case <-c.done:
	case <-time.After(timeout):
		b.logger.Warn("connection did not stop in time", slog.String("client_id", c.id))
	}
}
