// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mqttengine/broker/events"
	"github.com/absmach/mqttengine/packets"
	"github.com/absmach/mqttengine/session"
	"github.com/absmach/mqttengine/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func message(topic, payload string, qos byte) *storage.Message {
	return &storage.Message{
		PublishTime: time.Now(),
		Topic:       topic,
		Payload:     []byte(payload),
		QoS:         qos,
	}
}

func TestEffectiveQoS(t *testing.T) {
	b := newTestBroker(t, Options{})

	low := connectV3(t, b, "low", true)
	subscribe(t, low, 1, packets.Subscription{Topic: "m/#", QoS: 0})
	high := connectV3(t, b, "high", true)
	subscribe(t, high, 1, packets.Subscription{Topic: "m/+", QoS: 2})

	res := b.DispatchApplicationMessage(context.Background(), "", message("m/x", "v", 1))
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, packets.Success, res.ReasonCode)

	assert.Equal(t, byte(0), next[*packets.Publish](t, low.ch).QoS)
	// A single granted QoS is used as is.
	pub := next[*packets.Publish](t, high.ch)
	assert.Equal(t, byte(2), pub.QoS)
	assert.NotZero(t, pub.PacketID)
}

func TestEffectiveQoSFromClientPublish(t *testing.T) {
	cases := []struct {
		desc       string
		granted    byte
		publishQoS byte
		want       byte
	}{
		{desc: "publish QoS2 to QoS1 subscription", granted: 1, publishQoS: 2, want: 1},
		{desc: "publish QoS1 to QoS2 subscription", granted: 2, publishQoS: 1, want: 2},
		{desc: "publish QoS0 to QoS1 subscription", granted: 1, publishQoS: 0, want: 1},
		{desc: "same QoS", granted: 2, publishQoS: 2, want: 2},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			b := newTestBroker(t, Options{})

			sub := connectV3(t, b, "sub", true)
			subscribe(t, sub, 1, packets.Subscription{Topic: "exact/topic", QoS: tc.granted})
			pubber := connectV3(t, b, "pub", true)

			pubber.ch.push(&packets.Publish{Topic: "exact/topic", QoS: tc.publishQoS, PacketID: 9, Payload: []byte("v")})
			out := next[*packets.Publish](t, sub.ch)
			assert.Equal(t, tc.want, out.QoS)
		})
	}
}

func TestDispatchRejectsInvalidTopic(t *testing.T) {
	b := newTestBroker(t, Options{})

	c := connectV3(t, b, "all", true)
	subscribe(t, c, 1, packets.Subscription{Topic: "#"})

	for _, topic := range []string{"", "a/#", "a/+/b", "bad\x00"} {
		res := b.DispatchApplicationMessage(context.Background(), "x", message(topic, "v", 0))
		assert.Equal(t, packets.TopicNameInvalid, res.ReasonCode, "%q", topic)
		assert.Zero(t, res.Matched)
	}
	c.ch.expectNone(t, 100*time.Millisecond)

	rewrite := func(_ context.Context, _ string, msg *storage.Message) (PublishVerdict, error) {
		bad := msg.Copy()
		bad.Topic = "x/#"
		return PublishVerdict{Message: bad}, nil
	}
	b = newTestBroker(t, Options{Hooks: Hooks{InterceptPublish: rewrite}})
	res := b.DispatchApplicationMessage(context.Background(), "", message("ok", "v", 0))
	assert.Equal(t, packets.TopicNameInvalid, res.ReasonCode)
}

func TestPublishQoS2Flow(t *testing.T) {
	b := newTestBroker(t, Options{})

	sub := connectV3(t, b, "sub", true)
	subscribe(t, sub, 1, packets.Subscription{Topic: "q2", QoS: 2})
	pubber := connectV3(t, b, "pub", true)

	pubber.ch.push(&packets.Publish{Topic: "q2", QoS: 2, PacketID: 7, Payload: []byte("exactly once")})
	rec := next[*packets.PubRec](t, pubber.ch)
	assert.Equal(t, uint16(7), rec.PacketID)
	assert.Equal(t, packets.Success, rec.ReasonCode)

	// Delivery does not wait for PUBREL.
	out := next[*packets.Publish](t, sub.ch)
	assert.Equal(t, byte(2), out.QoS)
	assert.Equal(t, []byte("exactly once"), out.Payload)

	pubber.ch.push(&packets.PubRel{PacketID: 7})
	assert.Equal(t, uint16(7), next[*packets.PubComp](t, pubber.ch).PacketID)

	sub.ch.push(&packets.PubRec{PacketID: out.PacketID})
	assert.Equal(t, out.PacketID, next[*packets.PubRel](t, sub.ch).PacketID)
	sub.ch.push(&packets.PubComp{PacketID: out.PacketID})

	s, _ := b.Registry().Get("sub")
	require.Eventually(t, func() bool { return len(s.Unacknowledged()) == 0 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, uint64(1), b.Stats().GetPublishReceived())
	assert.Equal(t, uint64(1), b.Stats().GetPublishSent())
}

func TestPubRecWithErrorEndsFlow(t *testing.T) {
	b := newTestBroker(t, Options{})

	sub := connectV3(t, b, "sub", true)
	subscribe(t, sub, 1, packets.Subscription{Topic: "q2", QoS: 2})
	b.DispatchApplicationMessage(context.Background(), "", message("q2", "x", 2))
	out := next[*packets.Publish](t, sub.ch)

	sub.ch.push(&packets.PubRec{PacketID: out.PacketID, ReasonCode: packets.UnspecifiedError})
	sub.ch.expectNone(t, 100*time.Millisecond)

	s, _ := b.Registry().Get("sub")
	require.Eventually(t, func() bool { return len(s.Unacknowledged()) == 0 }, waitTimeout, 5*time.Millisecond)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	var mu sync.Mutex
	var unconsumed []string
	n := &recordingNotifier{}
	b := newTestBroker(t, Options{Notifier: n, Hooks: Hooks{
		OnMessageNotConsumed: func(senderID string, msg *storage.Message) {
			mu.Lock()
			defer mu.Unlock()
			unconsumed = append(unconsumed, senderID+":"+msg.Topic)
		},
	}})

	pubber := connectV3(t, b, "pub", true)
	pubber.ch.push(&packets.Publish{Topic: "nobody/home", QoS: 1, PacketID: 3})
	ack := next[*packets.PubAck](t, pubber.ch)
	assert.Equal(t, packets.NoMatchingSubscribers, ack.ReasonCode)

	mu.Lock()
	assert.Equal(t, []string{"pub:nobody/home"}, unconsumed)
	mu.Unlock()
	assert.Equal(t, uint64(1), b.Stats().GetMessagesUnrouted())
	assert.Contains(t, n.types(), events.TypeMessageNotConsumed)
}

func TestNoLocal(t *testing.T) {
	b := newTestBroker(t, Options{})

	c, ack := connectWith(t, b, &packets.Connect{ProtocolVersion: packets.V5, ClientID: "echo", CleanSession: true})
	require.Equal(t, packets.Success, ack.ReasonCode)
	subscribe(t, c, 1, packets.Subscription{Topic: "chat", NoLocal: true})

	res := b.DispatchApplicationMessage(context.Background(), "echo", message("chat", "hi", 0))
	assert.Zero(t, res.Matched)
	res = b.DispatchApplicationMessage(context.Background(), "other", message("chat", "hi", 0))
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, "chat", next[*packets.Publish](t, c.ch).Topic)
}

func TestRetainedMessages(t *testing.T) {
	b := newTestBroker(t, Options{})
	ctx := context.Background()

	retained := message("home/temp", "21", 1)
	retained.Retain = true
	b.DispatchApplicationMessage(ctx, "", retained)
	require.Equal(t, 1, b.Retained().Len())
	assert.Equal(t, int64(1), b.Stats().GetRetainedMessages())

	c := connectV3(t, b, "late", true)
	ack := subscribe(t, c, 1, packets.Subscription{Topic: "home/#", QoS: 1})
	assert.Equal(t, []packets.ReasonCode{packets.GrantedQoS1}, ack.ReasonCodes)

	pub := next[*packets.Publish](t, c.ch)
	assert.True(t, pub.Retain)
	assert.Equal(t, []byte("21"), pub.Payload)

	tombstone := message("home/temp", "", 0)
	tombstone.Retain = true
	b.DispatchApplicationMessage(ctx, "", tombstone)
	assert.Zero(t, b.Retained().Len())
	assert.Zero(t, b.Stats().GetRetainedMessages())

	// The empty retained message is still forwarded to live subscribers.
	assert.Empty(t, next[*packets.Publish](t, c.ch).Payload)
}

func TestInboundTopicAlias(t *testing.T) {
	b := newTestBroker(t, Options{})

	sub := connectV3(t, b, "sub", true)
	subscribe(t, sub, 1, packets.Subscription{Topic: "long/topic/name"})

	c, ack := connectWith(t, b, &packets.Connect{ProtocolVersion: packets.V5, ClientID: "aliaser", CleanSession: true})
	require.Equal(t, packets.Success, ack.ReasonCode)

	c.ch.push(&packets.Publish{Topic: "long/topic/name", TopicAlias: 1, Payload: []byte("a")})
	c.ch.push(&packets.Publish{TopicAlias: 1, Payload: []byte("b")})

	for _, want := range []string{"a", "b"} {
		pub := next[*packets.Publish](t, sub.ch)
		assert.Equal(t, "long/topic/name", pub.Topic)
		assert.Equal(t, []byte(want), pub.Payload)
	}

	c.ch.push(&packets.Publish{TopicAlias: 2, Payload: []byte("c")})
	d := next[*packets.Disconnect](t, c.ch)
	assert.Equal(t, packets.TopicAliasInvalid, d.ReasonCode)
	c.wait(t)
}

func TestInvalidPublishTopic(t *testing.T) {
	b := newTestBroker(t, Options{})

	c, ack := connectWith(t, b, &packets.Connect{ProtocolVersion: packets.V5, ClientID: "bad", CleanSession: true})
	require.Equal(t, packets.Success, ack.ReasonCode)

	c.ch.push(&packets.Publish{Topic: "a/+/b"})
	d := next[*packets.Disconnect](t, c.ch)
	assert.Equal(t, packets.TopicNameInvalid, d.ReasonCode)
	c.wait(t)
}

func TestPublishInterceptor(t *testing.T) {
	intercept := func(_ context.Context, senderID string, msg *storage.Message) (PublishVerdict, error) {
		switch msg.Topic {
		case "deny":
			return PublishVerdict{Reject: true}, nil
		case "kick":
			return PublishVerdict{Reject: true, ReasonCode: packets.QuotaExceeded, CloseConnection: true}, nil
		case "fail":
			return PublishVerdict{}, errors.New("interceptor failed")
		case "panic":
			panic("interceptor panicked")
		}
		rewritten := msg.Copy()
		rewritten.Payload = []byte(senderID + ":" + string(msg.Payload))
		return PublishVerdict{Message: rewritten}, nil
	}
	b := newTestBroker(t, Options{Hooks: Hooks{InterceptPublish: intercept}})

	sub := connectV3(t, b, "sub", true)
	subscribe(t, sub, 1, packets.Subscription{Topic: "#"})
	ctx := context.Background()

	res := b.DispatchApplicationMessage(ctx, "dev", message("deny", "x", 0))
	assert.Equal(t, packets.NotAuthorized, res.ReasonCode)
	assert.Zero(t, res.Matched)

	res = b.DispatchApplicationMessage(ctx, "dev", message("kick", "x", 0))
	assert.Equal(t, packets.QuotaExceeded, res.ReasonCode)
	assert.True(t, res.CloseConnection)

	for _, topic := range []string{"fail", "panic"} {
		res = b.DispatchApplicationMessage(ctx, "dev", message(topic, "x", 0))
		assert.Equal(t, 1, res.Delivered, "%s is treated as no interception", topic)
		assert.Equal(t, topic, next[*packets.Publish](t, sub.ch).Topic)
	}

	res = b.DispatchApplicationMessage(ctx, "dev", message("data", "x", 0))
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []byte("dev:x"), next[*packets.Publish](t, sub.ch).Payload)
}

func TestPublishInterceptorClosesConnection(t *testing.T) {
	b := newTestBroker(t, Options{Hooks: Hooks{
		InterceptPublish: func(context.Context, string, *storage.Message) (PublishVerdict, error) {
			return PublishVerdict{CloseConnection: true}, nil
		},
	}})

	c, ack := connectWith(t, b, &packets.Connect{ProtocolVersion: packets.V5, ClientID: "c", CleanSession: true})
	require.Equal(t, packets.Success, ack.ReasonCode)

	c.ch.push(&packets.Publish{Topic: "t", QoS: 1, PacketID: 1})
	d := c.ch.disconnectPacket(t)
	assert.Equal(t, packets.AdministrativeAction, d.ReasonCode)
	c.wait(t)
}

func TestDeliveryInterceptor(t *testing.T) {
	b := newTestBroker(t, Options{Hooks: Hooks{
		InterceptDelivery: func(_ context.Context, receiverID string, _ *storage.Message) (bool, error) {
			return receiverID != "blocked", nil
		},
	}})

	allowed := connectV3(t, b, "allowed", true)
	subscribe(t, allowed, 1, packets.Subscription{Topic: "t"})
	blocked := connectV3(t, b, "blocked", true)
	subscribe(t, blocked, 1, packets.Subscription{Topic: "t"})

	res := b.DispatchApplicationMessage(context.Background(), "", message("t", "x", 0))
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 1, res.Delivered)
	next[*packets.Publish](t, allowed.ch)
	blocked.ch.expectNone(t, 100*time.Millisecond)
}

func TestChainPublish(t *testing.T) {
	var calls []string
	rewrite := func(_ context.Context, _ string, msg *storage.Message) (PublishVerdict, error) {
		calls = append(calls, "rewrite")
		m := msg.Copy()
		m.Topic = "rewritten"
		return PublishVerdict{Message: m}, nil
	}
	reject := func(_ context.Context, _ string, msg *storage.Message) (PublishVerdict, error) {
		calls = append(calls, "reject:"+msg.Topic)
		return PublishVerdict{Reject: true, ReasonCode: packets.TopicNameInvalid}, nil
	}
	never := func(context.Context, string, *storage.Message) (PublishVerdict, error) {
		calls = append(calls, "never")
		return PublishVerdict{}, nil
	}

	v, err := ChainPublish(rewrite, nil, reject, never)(context.Background(), "c", message("t", "x", 0))
	require.NoError(t, err)
	assert.True(t, v.Reject)
	assert.Equal(t, packets.TopicNameInvalid, v.ReasonCode)
	assert.Equal(t, "rewritten", v.Message.Topic)
	assert.Equal(t, []string{"rewrite", "reject:rewritten"}, calls)
}

func TestChainSubscription(t *testing.T) {
	closeConn := func(context.Context, string, *packets.Subscription) (session.Verdict, error) {
		return session.Verdict{CloseConnection: true}, nil
	}
	deny := func(_ context.Context, _ string, sub *packets.Subscription) (session.Verdict, error) {
		if sub.Topic == "secret" {
			return session.Verdict{Reject: true, ReasonCode: packets.NotAuthorized}, nil
		}
		return session.Verdict{}, nil
	}
	chain := ChainSubscription(closeConn, deny)

	v, err := chain(context.Background(), "c", &packets.Subscription{Topic: "secret"})
	require.NoError(t, err)
	assert.True(t, v.Reject)
	assert.True(t, v.CloseConnection)

	v, err = chain(context.Background(), "c", &packets.Subscription{Topic: "public"})
	require.NoError(t, err)
	assert.False(t, v.Reject)
}

type fakeLimiter struct {
	mu           sync.Mutex
	allow        bool
	disconnected []string
}

func (l *fakeLimiter) AllowPublish(string) bool   { return l.allowed() }
func (l *fakeLimiter) AllowSubscribe(string) bool { return l.allowed() }

func (l *fakeLimiter) allowed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allow
}

func (l *fakeLimiter) OnClientDisconnect(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected = append(l.disconnected, clientID)
}

func TestRateLimitInterceptors(t *testing.T) {
	rl := &fakeLimiter{}
	b := newTestBroker(t, Options{RateLimiter: rl})

	c := connectV3(t, b, "busy", true)

	ack := subscribe(t, c, 1, packets.Subscription{Topic: "a"})
	assert.Equal(t, []packets.ReasonCode{packets.QuotaExceeded}, ack.ReasonCodes)

	c.ch.push(&packets.Publish{Topic: "a", QoS: 1, PacketID: 2})
	assert.Equal(t, packets.MessageRateTooHigh, next[*packets.PubAck](t, c.ch).ReasonCode)

	res := b.DispatchApplicationMessage(context.Background(), "", message("a", "x", 0))
	assert.NotEqual(t, packets.MessageRateTooHigh, res.ReasonCode, "server messages are not limited")

	c.ch.push(&packets.Disconnect{})
	c.wait(t)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Equal(t, []string{"busy"}, rl.disconnected)
}
