// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/mqttengine/broker/events"
	"github.com/absmach/mqttengine/packets"
	"github.com/absmach/mqttengine/storage"
	"github.com/absmach/mqttengine/topics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DispatchResult is the outcome of DispatchApplicationMessage.
type DispatchResult struct {
	// Matched counts the sessions with a matching subscription.
	Matched int
	// Delivered counts the sessions the message was queued for.
	Delivered int
	// ReasonCode is the PUBACK/PUBREC code for the publisher.
	ReasonCode      packets.ReasonCode
	CloseConnection bool
}

// DispatchApplicationMessage routes msg to every subscribed session.
// senderID is the publishing client, or empty for server-originated
// messages. Failures for one subscriber are logged and do not affect the
// others. A message whose topic is not a valid topic name is rejected with
// TopicNameInvalid.
func (b *Broker) DispatchApplicationMessage(ctx context.Context, senderID string, msg *storage.Message) DispatchResult {
	start := time.Now()

	var span trace.Span
	if b.tracer != nil {
		ctx, span = b.tracer.Start(ctx, "broker.dispatch",
			trace.WithAttributes(
				attribute.String("mqtt.client_id", senderID),
				attribute.String("mqtt.topic", msg.Topic),
				attribute.Int("mqtt.qos", int(msg.QoS)),
				attribute.Bool("mqtt.retain", msg.Retain),
			))
		defer span.End()
	}

	res := DispatchResult{ReasonCode: packets.Success}
	if !b.validTopic(senderID, msg, span) {
		res.ReasonCode = packets.TopicNameInvalid
		return res
	}

	v := b.interceptPublish(ctx, senderID, msg)
	res.CloseConnection = v.CloseConnection
	if v.Reject {
		res.ReasonCode = v.ReasonCode
		if res.ReasonCode == packets.Success {
			res.ReasonCode = packets.NotAuthorized
		}
		b.logOp("publish_rejected", slog.String("client_id", senderID), slog.String("topic", msg.Topic))
		if span != nil {
			span.SetStatus(codes.Error, "rejected by interceptor")
		}
		return res
	}
	if v.Message != nil {
		msg = v.Message
		if !b.validTopic(senderID, msg, span) {
			res.ReasonCode = packets.TopicNameInvalid
			return res
		}
	}

	if msg.Retain {
		b.updateRetained(ctx, senderID, msg)
	}

	// Snapshot; subscribe and unsubscribe may run concurrently.
	for _, s := range b.registry.Subscribers() {
		check := s.CheckSubscriptions(msg.Topic, msg.QoS, senderID)
		if !check.IsSubscribed {
			continue
		}
		res.Matched++

		if !b.interceptDelivery(ctx, s.ID(), msg) {
			continue
		}

		pub := msg.Publish(check.QoS, msg.Retain && check.RetainAsPublished)
		pub.SubscriptionIdentifiers = check.SubscriptionIdentifiers
		if err := s.Enqueue(pub); err != nil {
			b.logError("dispatch_enqueue", err,
				slog.String("client_id", s.ID()),
				slog.String("topic", msg.Topic))
			continue
		}
		res.Delivered++
	}

	if res.Matched == 0 {
		res.ReasonCode = packets.NoMatchingSubscribers
		b.messageNotConsumed(senderID, msg)
	}

	b.metrics.RecordDispatchDuration(float64(time.Since(start).Microseconds()) / 1000)
	if span != nil {
		span.SetAttributes(
			attribute.Int("mqtt.matched", res.Matched),
			attribute.Int("mqtt.delivered", res.Delivered))
	}

	b.notify(events.MessagePublished{
		ClientID:     senderID,
		MessageTopic: msg.Topic,
		QoS:          msg.QoS,
		Retained:     msg.Retain,
		PayloadSize:  len(msg.Payload),
		Subscribers:  res.Delivered,
		Payload:      msg.Payload,
	})

	return res
}

func (b *Broker) validTopic(senderID string, msg *storage.Message, span trace.Span) bool {
	if err := topics.ValidateTopicName(msg.Topic); err != nil {
		b.logger.Warn("dispatch_invalid_topic",
			slog.String("client_id", senderID),
			slog.String("topic", msg.Topic),
			slog.String("error", err.Error()))
		if span != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return false
	}
	return true
}

func (b *Broker) updateRetained(ctx context.Context, clientID string, msg *storage.Message) {
	delta, changed := b.retained.Update(ctx, clientID, msg)
	if !changed {
		return
	}
	b.stats.AddRetainedMessages(int64(delta))
	b.metrics.RecordRetained(int64(delta))
	b.notify(events.RetainedMessageSet{
		ClientID:     clientID,
		MessageTopic: msg.Topic,
		PayloadSize:  len(msg.Payload),
		Cleared:      len(msg.Payload) == 0,
	})
}

func (b *Broker) messageNotConsumed(senderID string, msg *storage.Message) {
	b.stats.IncrementMessagesUnrouted()
	b.metrics.RecordMessageUnrouted()

	if fn := b.hooks.OnMessageNotConsumed; fn != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("message not consumed callback panicked", slog.Any("panic", r))
				}
			}()
			fn(senderID, msg)
		}()
	}

	b.notify(events.MessageNotConsumed{
		ClientID:     senderID,
		MessageTopic: msg.Topic,
		QoS:          msg.QoS,
		PayloadSize:  len(msg.Payload),
	})
}

func (b *Broker) subscriptionsChanged(clientID string, before, after int) {
	delta := int64(after - before)
	if delta == 0 {
		return
	}
	b.stats.AddSubscriptions(delta)
	b.metrics.RecordSubscriptions(delta)
	b.logOp("subscriptions_changed", slog.String("client_id", clientID), slog.Int64("delta", delta))
}
