// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/mqttengine/broker/events"
	"github.com/absmach/mqttengine/packets"
	"github.com/absmach/mqttengine/session"
	"github.com/absmach/mqttengine/storage"
	"github.com/absmach/mqttengine/topics"
	"github.com/google/uuid"
)

// HandleConnection serves one client channel until it disconnects. It reads
// CONNECT, validates it, attaches the connection to a session, runs the
// receive and send loops and finally tears the connection down. The
// channel is always disconnected when HandleConnection returns.
func (b *Broker) HandleConnection(ctx context.Context, ch Channel) {
	endpoint := ch.Endpoint()

	if b.closed.Load() {
		_ = ch.Disconnect(b.cfg.DefaultCommunicationTimeout)
		return
	}

	connect, err := b.awaitConnect(ctx, ch)
	if err != nil {
		b.logConnectionError("await_connect", err, slog.String("endpoint", endpoint))
		_ = ch.Disconnect(b.cfg.DefaultCommunicationTimeout)
		return
	}

	c, sessionPresent, assignedID, ok := b.accept(ctx, ch, connect)
	if !ok {
		_ = ch.Disconnect(b.cfg.DefaultCommunicationTimeout)
		return
	}

	connAck := &packets.ConnAck{
		SessionPresent: sessionPresent,
		ReasonCode:     packets.Success,
	}
	if c.version >= packets.V5 {
		connAck.AssignedClientID = assignedID
		connAck.TopicAliasMaximum = b.cfg.MaxTopicAlias
	}

	sendCtx, cancel := b.withTimeout(ctx)
	err = ch.SendPacket(sendCtx, connAck)
	cancel()
	close(c.acked)

	if err != nil {
		b.logConnectionError("send_connack", err, slog.String("client_id", c.id))
		c.cancel(err)
		close(c.done)
	} else {
		b.stats.IncrementConnections()
		b.metrics.RecordConnection(c.version)
		b.logOp("client_connected",
			slog.String("client_id", c.id),
			slog.String("endpoint", endpoint),
			slog.Bool("session_present", sessionPresent),
			slog.Int("protocol_version", int(c.version)))
		b.notify(events.ClientConnected{
			ClientID:       c.id,
			Protocol:       protocolName(c.version),
			CleanStart:     connect.CleanSession,
			SessionPresent: sessionPresent,
			KeepAlive:      connect.KeepAlive,
			RemoteAddr:     endpoint,
		})

		err = c.run()
		b.stats.DecrementConnections()
	}

	b.teardown(c, err)
}

// awaitConnect reads the first packet, which must be CONNECT.
func (b *Broker) awaitConnect(ctx context.Context, ch Channel) (*packets.Connect, error) {
	readCtx, cancel := b.withTimeout(ctx)
	defer cancel()

	pkt, err := ch.ReceivePacket(readCtx)
	if err != nil {
		return nil, err
	}
	if pkt == nil {
		return nil, errChannelClosed
	}

	connect, ok := pkt.(*packets.Connect)
	if !ok {
		b.stats.IncrementProtocolErrors()
		b.metrics.RecordError("protocol")
		return nil, fmt.Errorf("%w: first packet is %s", ErrProtocolViolation, packets.Name(pkt))
	}
	return connect, nil
}

// accept validates connect and attaches a new client to a session. On
// rejection it answers with a failure CONNACK and leaves the registry
// untouched.
func (b *Broker) accept(ctx context.Context, ch Channel, connect *packets.Connect) (c *Client, sessionPresent bool, assignedID string, ok bool) {
	if connect.Will != nil {
		if err := topics.ValidateTopicName(connect.Will.Topic); err != nil {
			b.stats.IncrementProtocolErrors()
			b.reject(ctx, ch, connect, packets.TopicNameInvalid)
			return nil, false, "", false
		}
	}

	decision := b.validateConnection(ctx, ConnectInfo{Connect: connect, Endpoint: ch.Endpoint()})

	clientID := connect.ClientID
	if decision.ReasonCode == packets.Success {
		switch {
		case decision.AssignedClientID != "":
			clientID = decision.AssignedClientID
			assignedID = clientID
		case clientID == "" && connect.ProtocolVersion < packets.V5 && !connect.CleanSession:
			decision.ReasonCode = packets.ClientIdentifierNotValid
		case clientID == "":
			clientID = "auto-" + uuid.NewString()
			assignedID = clientID
		}
	}

	if decision.ReasonCode != packets.Success {
		b.reject(ctx, ch, connect, decision.ReasonCode)
		return nil, false, "", false
	}

	expiry := b.sessionExpiry(connect)

	b.createMu.Lock()
	defer b.createMu.Unlock()

	if old, ok := b.client(clientID); ok {
		b.takeOver(old, ch.Endpoint())
	}

	existing, found := b.registry.Get(clientID)
	var s *session.Session
	if found && !connect.CleanSession {
		existing.Reattach(connect, expiry, decision.SessionItems)
		existing.Recover()
		s, sessionPresent = existing, true
	} else {
		var replaced *session.Session
		s, replaced = b.registry.Create(clientID, connect, expiry, decision.SessionItems)
		if replaced == nil {
			b.metrics.RecordSessions(1)
		} else {
			n := replaced.SubscriptionCount()
			b.subscriptionsChanged(clientID, n, 0)
		}
	}

	c = newClient(ctx, b, ch, s, connect)
	b.clientsMu.Lock()
	b.clients[clientID] = c
	b.clientsMu.Unlock()

	return c, sessionPresent, assignedID, true
}

func (b *Broker) reject(ctx context.Context, ch Channel, connect *packets.Connect, reason packets.ReasonCode) {
	b.stats.IncrementRejectedConnections()
	b.logger.Info("connection rejected",
		slog.String("client_id", connect.ClientID),
		slog.String("endpoint", ch.Endpoint()),
		slog.Int("reason_code", int(reason)))

	sendCtx, cancel := b.withTimeout(ctx)
	defer cancel()
	if err := ch.SendPacket(sendCtx, &packets.ConnAck{ReasonCode: reason}); err != nil {
		b.logConnectionError("send_connack", err, slog.String("client_id", connect.ClientID))
	}

	b.notify(events.ClientRejected{
		ClientID:   connect.ClientID,
		ReasonCode: byte(reason),
		RemoteAddr: ch.Endpoint(),
	})
}

// takeOver stops the live connection old and waits for its loops to exit so
// that only one connection uses the session. Called with createMu held.
func (b *Broker) takeOver(old *Client, endpoint string) {
	old.takeOver()

	timeout := b.cfg.DefaultCommunicationTimeout
	if timeout <= 0 {
		<-old.done
	} else {
		select {
		case <-old.done:
		case <-time.After(timeout):
			b.logger.Warn("taken over connection did not stop in time", slog.String("client_id", old.id))
		}
	}

	b.clientsMu.Lock()
	if b.clients[old.id] == old {
		delete(b.clients, old.id)
	}
	b.clientsMu.Unlock()

	b.logOp("session_takeover", slog.String("client_id", old.id), slog.String("endpoint", endpoint))
	b.notify(events.SessionTakeover{
		ClientID:      old.id,
		OldRemoteAddr: old.endpoint,
		NewRemoteAddr: endpoint,
	})
}

// teardown deregisters c, releases or keeps its session and publishes the
// will when the connection ended uncleanly.
func (b *Broker) teardown(c *Client, runErr error) {
	_ = c.ch.Disconnect(b.cfg.DefaultCommunicationTimeout)

	b.createMu.Lock()
	// Read under createMu: a takeover may race with this teardown.
	detached := c.detached.Load()
	b.clientsMu.Lock()
	if b.clients[c.id] == c {
		delete(b.clients, c.id)
	}
	b.clientsMu.Unlock()

	if !detached {
		if b.persistent(c.session) {
			c.session.MarkDisconnected(time.Now())
		} else if b.registry.DeleteSession(c.session) {
			b.metrics.RecordSessions(-1)
			b.subscriptionsChanged(c.id, c.session.SubscriptionCount(), 0)
		}
	}
	b.createMu.Unlock()

	if b.rateLimiter != nil && !detached {
		b.rateLimiter.OnClientDisconnect(c.id)
	}

	willSent := false
	if !detached && !c.cleanDisconnect.Load() {
		willSent = b.publishWill(c)
	}

	reason := disconnectReason(runErr, c.cleanDisconnect.Load())
	b.metrics.RecordDisconnection(reason)
	if reason == "error" {
		b.logConnectionError("client_disconnected", runErr, slog.String("client_id", c.id))
	} else {
		b.logOp("client_disconnected", slog.String("client_id", c.id), slog.String("reason", reason))
	}
	b.notify(events.ClientDisconnected{
		ClientID:   c.id,
		Reason:     reason,
		WillSent:   willSent,
		RemoteAddr: c.endpoint,
	})
}

func (b *Broker) publishWill(c *Client) bool {
	will := c.session.Will()
	if will == nil || !c.session.MarkWillSent() {
		return false
	}

	b.logOp("publish_will", slog.String("client_id", c.id), slog.String("topic", will.Topic))
	b.DispatchApplicationMessage(context.Background(), c.id, storage.FromWill(will))
	return true
}

func (b *Broker) logConnectionError(op string, err error, attrs ...any) {
	if err == nil {
		return
	}
	if isCommunicationError(err) {
		b.logger.Warn(op, append([]any{slog.String("error", err.Error())}, attrs...)...)
		return
	}
	b.logError(op, err, attrs...)
}

func disconnectReason(err error, clean bool) string {
	if clean || errors.Is(err, errClientDisconnected) {
		return "normal"
	}
	var se *stopError
	if errors.As(err, &se) {
		switch se.reason {
		case packets.SessionTakenOver:
			return "takeover"
		case packets.KeepAliveTimeout:
			return "keep_alive"
		case packets.ServerShuttingDown:
			return "shutdown"
		case packets.AdministrativeAction:
			return "admin"
		case packets.ProtocolError, packets.TopicAliasInvalid, packets.TopicNameInvalid:
			return "protocol_error"
		}
	}
	return "error"
}

func protocolName(version byte) string {
	if version >= packets.V5 {
		return "mqtt5"
	}
	return "mqtt3"
}
