// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mqttengine/broker/events"
	"github.com/absmach/mqttengine/packets"
	"github.com/absmach/mqttengine/session"
	"github.com/absmach/mqttengine/storage"
	"github.com/absmach/mqttengine/topics"
	"golang.org/x/sync/errgroup"
)

// Client is one live connection bound to a session. It runs a receive loop
// and a send loop that share a single cancellation signal.
type Client struct {
	id        string
	ch        Channel
	session   *session.Session
	broker    *Broker
	logger    *slog.Logger
	version   byte
	keepAlive time.Duration
	endpoint  string

	connectedAt     time.Time
	lastReceived    atomic.Int64 // unix nanoseconds
	lastSent        atomic.Int64 // unix nanoseconds
	packetsReceived atomic.Uint64
	packetsSent     atomic.Uint64

	// detached is set when the session no longer belongs to this connection,
	// either after a takeover or an administrative delete.
	detached        atomic.Bool
	cleanDisconnect atomic.Bool

	ctx      context.Context
	cancel   context.CancelCauseFunc
	stopOnce sync.Once
	done     chan struct{}
	acked    chan struct{} // closed once CONNACK was written or failed

	// Inbound topic aliases. Only the receive loop touches them.
	aliases map[uint16]string
}

// ClientInfo is a point-in-time view of a connection.
type ClientInfo struct {
	ID                   string
	Endpoint             string
	ProtocolVersion      byte
	KeepAlive            time.Duration
	ConnectedAt          time.Time
	LastPacketReceivedAt time.Time
	LastPacketSentAt     time.Time
	PacketsReceived      uint64
	PacketsSent          uint64
	PendingMessages      int
}

func newClient(ctx context.Context, b *Broker, ch Channel, s *session.Session, connect *packets.Connect) *Client {
	now := time.Now()
	c := &Client{
		id:          s.ID(),
		ch:          ch,
		session:     s,
		broker:      b,
		logger:      b.logger.With(slog.String("client_id", s.ID())),
		version:     connect.ProtocolVersion,
		keepAlive:   time.Duration(connect.KeepAlive) * time.Second,
		endpoint:    ch.Endpoint(),
		connectedAt: now,
		done:        make(chan struct{}),
		acked:       make(chan struct{}),
	}
	c.lastReceived.Store(now.UnixNano())
	c.lastSent.Store(now.UnixNano())
	c.ctx, c.cancel = context.WithCancelCause(ctx)
	return c
}

// ID returns the client identifier.
func (c *Client) ID() string { return c.id }

// Session returns the session the connection is bound to.
func (c *Client) Session() *session.Session { return c.session }

// Done is closed once both loops have exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// LastPacketReceivedAt returns when the client last sent a packet.
func (c *Client) LastPacketReceivedAt() time.Time {
	return time.Unix(0, c.lastReceived.Load())
}

// LastPacketSentAt returns when the broker last wrote a packet to the client.
func (c *Client) LastPacketSentAt() time.Time {
	return time.Unix(0, c.lastSent.Load())
}

// Info returns a snapshot of the connection.
func (c *Client) Info() ClientInfo {
	return ClientInfo{
		ID:                   c.id,
		Endpoint:             c.endpoint,
		ProtocolVersion:      c.version,
		KeepAlive:            c.keepAlive,
		ConnectedAt:          c.connectedAt,
		LastPacketReceivedAt: c.LastPacketReceivedAt(),
		LastPacketSentAt:     c.LastPacketSentAt(),
		PacketsReceived:      c.packetsReceived.Load(),
		PacketsSent:          c.packetsSent.Load(),
		PendingMessages:      c.session.Bus().Count(),
	}
}

// Stop ends the connection. MQTT 5 clients are sent a DISCONNECT with
// reason first, since nothing can be written once the loops are cancelled.
// Only the first call has an effect.
func (c *Client) Stop(reason packets.ReasonCode) {
	c.stopOnce.Do(func() {
		if c.version >= packets.V5 {
			ctx, cancel := c.broker.withTimeout(context.Background())
			// DISCONNECT must not overtake the CONNACK.
			var err error
			select {
			case <-c.acked:
				err = c.ch.SendPacket(ctx, &packets.Disconnect{ReasonCode: reason})
			case <-ctx.Done():
				err = ctx.Err()
			}
			cancel()
			if err != nil {
				c.logger.Debug("failed to send disconnect", slog.String("error", err.Error()))
			}
		}
		c.cancel(&stopError{reason: reason})
	})
}

// takeOver detaches c from its session and stops it.
func (c *Client) takeOver() {
	c.detached.Store(true)
	c.Stop(packets.SessionTakenOver)
}

func (c *Client) keepAliveExpired(now time.Time) bool {
	if c.keepAlive == 0 || c.ctx.Err() != nil {
		return false
	}
	return now.Sub(c.LastPacketReceivedAt()) > c.keepAlive*3/2
}

// run drives both loops until one of them fails or the client is stopped.
func (c *Client) run() error {
	defer close(c.done)

	g, ctx := errgroup.WithContext(c.ctx)
	g.Go(func() error { return c.receiveLoop(ctx) })
	g.Go(func() error { return c.sendLoop(ctx) })
	err := g.Wait()

	c.cancel(err)
	if cause := context.Cause(c.ctx); cause != nil {
		var se *stopError
		if errors.As(cause, &se) {
			return cause
		}
	}
	return err
}

func (c *Client) receiveLoop(ctx context.Context) error {
	for {
		pkt, err := c.ch.ReceivePacket(ctx)
		if err != nil {
			return err
		}
		if pkt == nil {
			return errChannelClosed
		}

		c.lastReceived.Store(time.Now().UnixNano())
		c.packetsReceived.Add(1)

		if err := c.handle(ctx, pkt); err != nil {
			return err
		}
	}
}

func (c *Client) handle(ctx context.Context, pkt packets.ControlPacket) error {
	switch p := pkt.(type) {
	case *packets.Publish:
		return c.handlePublish(ctx, p)
	case *packets.PubAck:
		c.session.Acknowledge(p.PacketID)
	case *packets.PubRec:
		if p.ReasonCode.IsError() {
			c.session.Acknowledge(p.PacketID)
			return nil
		}
		c.enqueue(&packets.PubRel{PacketID: p.PacketID})
	case *packets.PubRel:
		c.enqueue(&packets.PubComp{PacketID: p.PacketID})
	case *packets.PubComp:
		c.session.Acknowledge(p.PacketID)
	case *packets.Subscribe:
		return c.handleSubscribe(ctx, p)
	case *packets.Unsubscribe:
		return c.handleUnsubscribe(ctx, p)
	case *packets.PingReq:
		c.enqueue(&packets.PingResp{})
	case *packets.Disconnect:
		return c.handleDisconnect(p)
	case *packets.Connect, *packets.ConnAck, *packets.SubAck, *packets.UnsubAck, *packets.PingResp:
		return c.violation(fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, packets.Name(pkt)))
	default:
		return c.violation(fmt.Errorf("%w: unknown packet %T", ErrProtocolViolation, pkt))
	}
	return nil
}

func (c *Client) violation(err error) error {
	c.broker.stats.IncrementProtocolErrors()
	c.broker.metrics.RecordError("protocol")
	c.Stop(packets.ProtocolError)
	return err
}

func (c *Client) enqueue(pkt packets.ControlPacket) {
	if err := c.session.Enqueue(pkt); err != nil {
		c.logger.Warn("failed to enqueue packet",
			slog.String("packet", packets.Name(pkt)),
			slog.String("error", err.Error()))
	}
}

func (c *Client) handlePublish(ctx context.Context, p *packets.Publish) error {
	if p.QoS > 2 {
		return c.violation(fmt.Errorf("%w: invalid QoS %d", ErrProtocolViolation, p.QoS))
	}

	topic, err := c.resolveTopicAlias(p)
	if err != nil {
		c.Stop(packets.TopicAliasInvalid)
		return err
	}
	if err := topics.ValidateTopicName(topic); err != nil {
		c.Stop(packets.TopicNameInvalid)
		return fmt.Errorf("%w: %q", err, topic)
	}

	c.broker.stats.IncrementPublishReceived(len(p.Payload))
	c.broker.metrics.RecordMessageReceived(p.QoS, int64(len(p.Payload)))

	msg := storage.FromPublish(p)
	msg.Topic = topic

	res := c.broker.DispatchApplicationMessage(ctx, c.id, msg)

	switch p.QoS {
	case 1:
		c.enqueue(&packets.PubAck{PacketID: p.PacketID, ReasonCode: res.ReasonCode})
	case 2:
		// The message is already dispatched; PUBREL only completes the
		// handshake.
		c.enqueue(&packets.PubRec{PacketID: p.PacketID, ReasonCode: res.ReasonCode})
	}

	if res.CloseConnection {
		reason := packets.AdministrativeAction
		if res.ReasonCode.IsError() {
			reason = res.ReasonCode
		}
		c.Stop(reason)
		return fmt.Errorf("publish to %q closed the connection", topic)
	}
	return nil
}

func (c *Client) resolveTopicAlias(p *packets.Publish) (string, error) {
	if p.TopicAlias == 0 {
		return p.Topic, nil
	}
	if c.version < packets.V5 || p.TopicAlias > c.broker.cfg.MaxTopicAlias {
		return "", fmt.Errorf("%w: %d", ErrTopicAliasInvalid, p.TopicAlias)
	}
	if p.Topic != "" {
		if c.aliases == nil {
			c.aliases = make(map[uint16]string)
		}
		c.aliases[p.TopicAlias] = p.Topic
		return p.Topic, nil
	}
	topic, ok := c.aliases[p.TopicAlias]
	if !ok {
		return "", fmt.Errorf("%w: %d not set", ErrTopicAliasInvalid, p.TopicAlias)
	}
	return topic, nil
}

func (c *Client) handleSubscribe(ctx context.Context, p *packets.Subscribe) error {
	before := c.session.SubscriptionCount()
	res := c.session.Subscribe(ctx, p, c.broker.retained.GetAll(), c.broker.hooks.InterceptSubscription)
	c.broker.subscriptionsChanged(c.id, before, c.session.SubscriptionCount())

	c.enqueue(&packets.SubAck{PacketID: p.PacketID, ReasonCodes: res.ReasonCodes})
	for _, pub := range res.Retained {
		c.enqueue(pub)
	}

	for i, sub := range p.Subscriptions {
		if res.ReasonCodes[i].IsError() {
			continue
		}
		c.broker.notify(events.SubscriptionCreated{
			ClientID:       c.id,
			TopicFilter:    sub.Topic,
			QoS:            byte(res.ReasonCodes[i]),
			SubscriptionID: p.SubscriptionIdentifier,
		})
	}

	if res.CloseConnection {
		c.Stop(packets.AdministrativeAction)
		return errors.New("subscribe closed the connection")
	}
	return nil
}

func (c *Client) handleUnsubscribe(ctx context.Context, p *packets.Unsubscribe) error {
	before := c.session.SubscriptionCount()
	res := c.session.Unsubscribe(ctx, p.Topics, c.broker.hooks.InterceptUnsubscription)
	c.broker.subscriptionsChanged(c.id, before, c.session.SubscriptionCount())

	c.enqueue(&packets.UnsubAck{PacketID: p.PacketID, ReasonCodes: res.ReasonCodes})

	for i, filter := range p.Topics {
		if res.ReasonCodes[i] == packets.Success {
			c.broker.notify(events.SubscriptionRemoved{ClientID: c.id, TopicFilter: filter})
		}
	}

	if res.CloseConnection {
		c.Stop(packets.AdministrativeAction)
		return errors.New("unsubscribe closed the connection")
	}
	return nil
}

func (c *Client) handleDisconnect(p *packets.Disconnect) error {
	if c.version >= packets.V5 && p.SessionExpiryInterval != nil {
		// A session that started with expiry 0 cannot be made persistent
		// at disconnect.
		if c.session.ExpiryInterval() == 0 && *p.SessionExpiryInterval != 0 {
			return c.violation(fmt.Errorf("%w: session expiry set on disconnect", ErrProtocolViolation))
		}
		c.session.SetExpiryInterval(*p.SessionExpiryInterval)
	}

	// Disconnect with will message keeps the will armed.
	if c.version < packets.V5 || p.ReasonCode != packets.DisconnectWithWillMessage {
		c.cleanDisconnect.Store(true)
	}
	return errClientDisconnected
}

func (c *Client) sendLoop(ctx context.Context) error {
	bus := c.session.Bus()
	for {
		item, err := bus.Dequeue(ctx)
		if err != nil {
			return err
		}
		if err := c.send(ctx, item); err != nil {
			return err
		}
	}
}

func (c *Client) send(ctx context.Context, item *session.BusItem) error {
	sendCtx, cancel := c.broker.withTimeout(ctx)
	err := c.ch.SendPacket(sendCtx, item.Packet)
	cancel()

	pub, isPublish := item.Packet.(*packets.Publish)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled while writing; an unacknowledged PUBLISH is
			// redelivered when the session is recovered.
			item.Cancel()
			return ctx.Err()
		}
		item.Fail(err)
		if isPublish && pub.QoS > 0 {
			c.session.Redeliver(pub)
		}
		return fmt.Errorf("send %s: %w", packets.Name(item.Packet), err)
	}

	item.Complete()
	c.lastSent.Store(time.Now().UnixNano())
	c.packetsSent.Add(1)
	if isPublish {
		c.broker.stats.IncrementPublishSent(len(pub.Payload))
		c.broker.metrics.RecordMessageSent(pub.QoS, int64(len(pub.Payload)))
	}
	return nil
}
