// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeClientConnected     = "client.connected"
	TypeClientRejected      = "client.rejected"
	TypeClientDisconnected  = "client.disconnected"
	TypeSessionTakeover     = "client.session_takeover"
	TypeSessionExpired      = "session.expired"
	TypeMessagePublished    = "message.published"
	TypeMessageNotConsumed  = "message.not_consumed"
	TypeMessageDropped      = "message.dropped"
	TypeRetainedMessageSet  = "message.retained"
	TypeSubscriptionCreated = "subscription.created"
	TypeSubscriptionRemoved = "subscription.removed"
)

// Event is the common interface for all broker events.
type Event interface {
	// Type returns the event type identifier (e.g., "client.connected")
	Type() string

	// Topic returns the MQTT topic for message events, empty for others
	Topic() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(brokerID string) *Envelope
}

// Notifier receives broker events. Implementations must not block the
// caller; the broker invokes Notify on its request paths.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
	Close() error
}

// Envelope is the common wrapper for all events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type envelope Envelope
	return json.Marshal((*envelope)(e))
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// ClientConnected is emitted when a client successfully connects.
type ClientConnected struct {
	ClientID       string `json:"client_id"`
	Protocol       string `json:"protocol"` // "mqtt3" or "mqtt5"
	CleanStart     bool   `json:"clean_start"`
	SessionPresent bool   `json:"session_present"`
	KeepAlive      uint16 `json:"keep_alive"`
	RemoteAddr     string `json:"remote_addr"`
}

func (e ClientConnected) Type() string                   { return TypeClientConnected }
func (e ClientConnected) Topic() string                  { return "" }
func (e ClientConnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ClientRejected is emitted when the connection validator refuses a CONNECT.
type ClientRejected struct {
	ClientID   string `json:"client_id"`
	ReasonCode byte   `json:"reason_code"`
	RemoteAddr string `json:"remote_addr"`
}

func (e ClientRejected) Type() string                   { return TypeClientRejected }
func (e ClientRejected) Topic() string                  { return "" }
func (e ClientRejected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ClientDisconnected is emitted when a client disconnects.
type ClientDisconnected struct {
	ClientID   string `json:"client_id"`
	Reason     string `json:"reason"` // "normal", "error", "keep_alive", "takeover", "shutdown"
	WillSent   bool   `json:"will_sent"`
	RemoteAddr string `json:"remote_addr"`
}

func (e ClientDisconnected) Type() string                   { return TypeClientDisconnected }
func (e ClientDisconnected) Topic() string                  { return "" }
func (e ClientDisconnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SessionTakeover is emitted when a new connection supersedes a live one.
type SessionTakeover struct {
	ClientID      string `json:"client_id"`
	OldRemoteAddr string `json:"old_remote_addr"`
	NewRemoteAddr string `json:"new_remote_addr"`
}

func (e SessionTakeover) Type() string                   { return TypeSessionTakeover }
func (e SessionTakeover) Topic() string                  { return "" }
func (e SessionTakeover) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SessionExpired is emitted when a disconnected session is swept.
type SessionExpired struct {
	ClientID       string    `json:"client_id"`
	DisconnectedAt time.Time `json:"disconnected_at"`
	ExpiryInterval uint32    `json:"expiry_interval"`
}

func (e SessionExpired) Type() string                   { return TypeSessionExpired }
func (e SessionExpired) Topic() string                  { return "" }
func (e SessionExpired) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessagePublished is emitted when a message is dispatched by the broker.
type MessagePublished struct {
	ClientID     string `json:"client_id"`
	MessageTopic string `json:"topic"`
	QoS          byte   `json:"qos"`
	Retained     bool   `json:"retained"`
	PayloadSize  int    `json:"payload_size"`
	Subscribers  int    `json:"subscribers"`
	Payload      []byte `json:"payload,omitempty"` // base64 in JSON, optional
}

func (e MessagePublished) Type() string                   { return TypeMessagePublished }
func (e MessagePublished) Topic() string                  { return e.MessageTopic }
func (e MessagePublished) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessageNotConsumed is emitted when no subscriber matched a message.
type MessageNotConsumed struct {
	ClientID     string `json:"client_id"`
	MessageTopic string `json:"topic"`
	QoS          byte   `json:"qos"`
	PayloadSize  int    `json:"payload_size"`
}

func (e MessageNotConsumed) Type() string                   { return TypeMessageNotConsumed }
func (e MessageNotConsumed) Topic() string                  { return e.MessageTopic }
func (e MessageNotConsumed) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessageDropped is emitted when a session queue overflow discards a message.
type MessageDropped struct {
	ClientID     string `json:"client_id"` // receiver
	MessageTopic string `json:"topic"`
	QoS          byte   `json:"qos"`
	PacketID     uint16 `json:"packet_id,omitempty"`
}

func (e MessageDropped) Type() string                   { return TypeMessageDropped }
func (e MessageDropped) Topic() string                  { return e.MessageTopic }
func (e MessageDropped) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// RetainedMessageSet is emitted when a retained message is set or cleared.
type RetainedMessageSet struct {
	ClientID     string `json:"client_id"`
	MessageTopic string `json:"topic"`
	PayloadSize  int    `json:"payload_size"` // 0 if cleared
	Cleared      bool   `json:"cleared"`
}

func (e RetainedMessageSet) Type() string                   { return TypeRetainedMessageSet }
func (e RetainedMessageSet) Topic() string                  { return e.MessageTopic }
func (e RetainedMessageSet) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionCreated is emitted when a client subscribes to a topic.
type SubscriptionCreated struct {
	ClientID       string `json:"client_id"`
	TopicFilter    string `json:"topic_filter"`
	QoS            byte   `json:"qos"`
	SubscriptionID uint32 `json:"subscription_id,omitempty"` // MQTT 5.0 only
}

func (e SubscriptionCreated) Type() string                   { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Topic() string                  { return e.TopicFilter }
func (e SubscriptionCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionRemoved is emitted when a client unsubscribes from a topic.
type SubscriptionRemoved struct {
	ClientID    string `json:"client_id"`
	TopicFilter string `json:"topic_filter"`
}

func (e SubscriptionRemoved) Type() string                   { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Topic() string                  { return e.TopicFilter }
func (e SubscriptionRemoved) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// Batch carries several events of one type in a single envelope. Its
// envelope reports the type of the events it holds.
type Batch struct {
	EventType string  `json:"-"`
	Count     int     `json:"count"`
	Events    []Event `json:"events"`
}

func (e Batch) Type() string                   { return e.EventType }
func (e Batch) Topic() string                  { return "" }
func (e Batch) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }
