// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"strconv"
	"time"

	"github.com/absmach/mqttengine/broker/events"
	"github.com/absmach/mqttengine/storage"
)

const (
	defaultExpiryCheckInterval = 10 * time.Second
	sysVersion                 = "mqttengine-1.0.0"
)

// expiryLoop periodically removes expired sessions.
func (b *Broker) expiryLoop() {
	defer b.wg.Done()

	interval := b.cfg.SessionExpiryCheckInterval
	if interval <= 0 {
		interval = defaultExpiryCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			b.expireSessions(now)
		case <-b.stopCh:
			return
		}
	}
}

// expireSessions removes disconnected sessions whose expiry passed.
func (b *Broker) expireSessions(now time.Time) int {
	b.createMu.Lock()
	expired := b.registry.CleanupExpired(now)
	b.createMu.Unlock()

	for _, s := range expired {
		b.metrics.RecordSessions(-1)
		b.subscriptionsChanged(s.ID(), s.SubscriptionCount(), 0)
		b.notify(events.SessionExpired{
			ClientID:       s.ID(),
			DisconnectedAt: s.DisconnectedAt(),
			ExpiryInterval: s.ExpiryInterval(),
		})
	}
	return len(expired)
}

// statsLoop periodically publishes broker statistics.
func (b *Broker) statsLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.SysInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.publishStats()
		case <-b.stopCh:
			return
		}
	}
}

// publishStats publishes current broker statistics to $SYS topics.
func (b *Broker) publishStats() {
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	i := func(v int64) string { return strconv.FormatInt(v, 10) }

	stats := []struct {
		topic string
		value string
	}{
		{"$SYS/broker/version", sysVersion},
		{"$SYS/broker/uptime", i(int64(b.stats.GetUptime().Seconds()))},
		{"$SYS/broker/clients/connected", i(b.stats.GetCurrentConnections())},
		{"$SYS/broker/clients/total", u(b.stats.GetTotalConnections())},
		{"$SYS/broker/clients/disconnected", u(b.stats.GetDisconnections())},
		{"$SYS/broker/clients/rejected", u(b.stats.GetRejectedConnections())},
		{"$SYS/broker/sessions/count", i(int64(b.registry.Len()))},
		{"$SYS/broker/messages/publish/received", u(b.stats.GetPublishReceived())},
		{"$SYS/broker/messages/publish/sent", u(b.stats.GetPublishSent())},
		{"$SYS/broker/messages/dropped", u(b.stats.GetMessagesDropped())},
		{"$SYS/broker/messages/unrouted", u(b.stats.GetMessagesUnrouted())},
		{"$SYS/broker/bytes/received", u(b.stats.GetBytesReceived())},
		{"$SYS/broker/bytes/sent", u(b.stats.GetBytesSent())},
		{"$SYS/broker/subscriptions/count", i(b.stats.GetSubscriptions())},
		{"$SYS/broker/retained/count", i(b.stats.GetRetainedMessages())},
		{"$SYS/broker/errors/protocol", u(b.stats.GetProtocolErrors())},
	}

	ctx := context.Background()
	for _, s := range stats {
		b.DispatchApplicationMessage(ctx, "", &storage.Message{
			PublishTime: time.Now(),
			Topic:       s.topic,
			Payload:     []byte(s.value),
			Retain:      true,
		})
	}
}
