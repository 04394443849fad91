// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"

	"github.com/absmach/mqttengine/packets"
	"github.com/absmach/mqttengine/session"
	"github.com/absmach/mqttengine/storage"
)

// ClientRateLimiter limits publish and subscribe rates per client.
type ClientRateLimiter interface {
	AllowPublish(clientID string) bool
	AllowSubscribe(clientID string) bool
	OnClientDisconnect(clientID string)
}

// RateLimitPublish returns a publish interceptor rejecting client messages
// above the limiter's rate. Server-originated messages are not limited.
func RateLimitPublish(rl ClientRateLimiter) PublishInterceptor {
	return func(_ context.Context, senderID string, _ *storage.Message) (PublishVerdict, error) {
		if senderID == "" || rl.AllowPublish(senderID) {
			return PublishVerdict{}, nil
		}
		return PublishVerdict{Reject: true, ReasonCode: packets.MessageRateTooHigh}, nil
	}
}

// RateLimitSubscription returns a subscription interceptor rejecting
// filters above the limiter's rate.
func RateLimitSubscription(rl ClientRateLimiter) session.SubscriptionInterceptor {
	return func(_ context.Context, clientID string, _ *packets.Subscription) (session.Verdict, error) {
		if rl.AllowSubscribe(clientID) {
			return session.Verdict{}, nil
		}
		return session.Verdict{Reject: true, ReasonCode: packets.QuotaExceeded}, nil
	}
}
