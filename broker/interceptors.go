// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/mqttengine/packets"
	"github.com/absmach/mqttengine/session"
	"github.com/absmach/mqttengine/storage"
)

// ConnectInfo is what the connection validator sees of a CONNECT.
type ConnectInfo struct {
	Connect  *packets.Connect
	Endpoint string
}

// ConnectDecision is the connection validator's answer. A ReasonCode of
// packets.Success accepts the connection.
type ConnectDecision struct {
	ReasonCode packets.ReasonCode
	// AssignedClientID replaces the client identifier when non-empty.
	AssignedClientID string
	// SessionItems is attached to the session and exposed via Session.Items.
	SessionItems map[string]any
}

// ConnectionValidator accepts or rejects a CONNECT. A returned error rejects
// the connection with packets.UnspecifiedError.
type ConnectionValidator func(ctx context.Context, info ConnectInfo) (ConnectDecision, error)

// PublishVerdict is a publish interceptor's answer.
type PublishVerdict struct {
	// Message replaces the published message when non-nil.
	Message *storage.Message
	// Reject stops the message from being dispatched. ReasonCode is returned
	// to the publisher; zero means packets.NotAuthorized.
	Reject     bool
	ReasonCode packets.ReasonCode
	// CloseConnection asks the broker to drop the publisher.
	CloseConnection bool
}

// PublishInterceptor inspects every application message before dispatch.
// senderID is empty for server-originated messages.
type PublishInterceptor func(ctx context.Context, senderID string, msg *storage.Message) (PublishVerdict, error)

// DeliveryInterceptor decides whether msg is delivered to one matching
// subscriber.
type DeliveryInterceptor func(ctx context.Context, receiverID string, msg *storage.Message) (bool, error)

// Hooks groups the optional callbacks the broker invokes on request paths.
// Errors and panics from interceptors are logged and treated as no
// interception, except for ValidateConnection which fails closed.
type Hooks struct {
	ValidateConnection      ConnectionValidator
	InterceptPublish        PublishInterceptor
	InterceptDelivery       DeliveryInterceptor
	InterceptSubscription   session.SubscriptionInterceptor
	InterceptUnsubscription session.UnsubscriptionInterceptor

	// OnMessageNotConsumed is called for messages without a matching
	// subscriber.
	OnMessageNotConsumed func(senderID string, msg *storage.Message)
}

// ChainPublish runs interceptors in order. A rewritten message is passed on
// to the next interceptor; the first rejection or error ends the chain.
func ChainPublish(interceptors ...PublishInterceptor) PublishInterceptor {
	return func(ctx context.Context, senderID string, msg *storage.Message) (PublishVerdict, error) {
		var out PublishVerdict
		for _, ic := range interceptors {
			if ic == nil {
				continue
			}
			v, err := ic(ctx, senderID, msg)
			if err != nil {
				return out, err
			}
			if v.Message != nil {
				msg = v.Message
				out.Message = v.Message
			}
			out.CloseConnection = out.CloseConnection || v.CloseConnection
			if v.Reject {
				out.Reject = true
				out.ReasonCode = v.ReasonCode
				return out, nil
			}
		}
		return out, nil
	}
}

// ChainSubscription runs subscription interceptors in order until one
// rejects the entry.
func ChainSubscription(interceptors ...session.SubscriptionInterceptor) session.SubscriptionInterceptor {
	return func(ctx context.Context, clientID string, sub *packets.Subscription) (session.Verdict, error) {
		var out session.Verdict
		for _, ic := range interceptors {
			if ic == nil {
				continue
			}
			v, err := ic(ctx, clientID, sub)
			if err != nil {
				return out, err
			}
			out.CloseConnection = out.CloseConnection || v.CloseConnection
			if v.Reject {
				out.Reject = true
				out.ReasonCode = v.ReasonCode
				return out, nil
			}
		}
		return out, nil
	}
}

func (b *Broker) validateConnection(ctx context.Context, info ConnectInfo) (d ConnectDecision) {
	d.ReasonCode = packets.Success
	if b.hooks.ValidateConnection == nil {
		return d
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("connection validator panicked",
				slog.String("client_id", info.Connect.ClientID),
				slog.String("panic", fmt.Sprint(r)))
			d = ConnectDecision{ReasonCode: packets.UnspecifiedError}
		}
	}()

	d, err := b.hooks.ValidateConnection(ctx, info)
	if err != nil {
		b.logError("validate_connection", err, slog.String("client_id", info.Connect.ClientID))
		return ConnectDecision{ReasonCode: packets.UnspecifiedError}
	}
	return d
}

func (b *Broker) interceptPublish(ctx context.Context, senderID string, msg *storage.Message) (v PublishVerdict) {
	if b.hooks.InterceptPublish == nil {
		return v
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("publish interceptor panicked",
				slog.String("client_id", senderID),
				slog.String("topic", msg.Topic),
				slog.String("panic", fmt.Sprint(r)))
			v = PublishVerdict{}
		}
	}()

	v, err := b.hooks.InterceptPublish(ctx, senderID, msg)
	if err != nil {
		b.logError("intercept_publish", err, slog.String("client_id", senderID), slog.String("topic", msg.Topic))
		return PublishVerdict{}
	}
	return v
}

func (b *Broker) interceptDelivery(ctx context.Context, receiverID string, msg *storage.Message) (deliver bool) {
	if b.hooks.InterceptDelivery == nil {
		return true
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("delivery interceptor panicked",
				slog.String("client_id", receiverID),
				slog.String("topic", msg.Topic),
				slog.String("panic", fmt.Sprint(r)))
			deliver = true
		}
	}()

	ok, err := b.hooks.InterceptDelivery(ctx, receiverID, msg)
	if err != nil {
		b.logError("intercept_delivery", err, slog.String("client_id", receiverID), slog.String("topic", msg.Topic))
		return true
	}
	return ok
}
