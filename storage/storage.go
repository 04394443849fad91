// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/mqttengine/packets"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
	ErrCorrupt  = errors.New("corrupt snapshot")
)

// RetainedStorage persists the retained message set.
//
// Save always receives the complete current set; implementations replace
// whatever they held before.
type RetainedStorage interface {
	// Load returns the retained messages stored by the last Save.
	Load(ctx context.Context) ([]*Message, error)

	// Save replaces the stored set with msgs.
	Save(ctx context.Context, msgs []*Message) error
}

// Message is an application message as routed by the broker.
type Message struct {
	PublishTime     time.Time              `json:"publish_time"`
	Topic           string                 `json:"topic"`
	Payload         []byte                 `json:"payload"`
	ContentType     string                 `json:"content_type,omitempty"`
	ResponseTopic   string                 `json:"response_topic,omitempty"`
	CorrelationData []byte                 `json:"correlation_data,omitempty"`
	UserProperties  []packets.UserProperty `json:"user_properties,omitempty"`
	MessageExpiry   *uint32                `json:"message_expiry,omitempty"`
	PayloadFormat   *byte                  `json:"payload_format,omitempty"`
	QoS             byte                   `json:"qos"`
	Retain          bool                   `json:"retain"`
}

// FromPublish builds a Message out of an inbound PUBLISH packet.
func FromPublish(p *packets.Publish) *Message {
	return &Message{
		PublishTime:     time.Now(),
		Topic:           p.Topic,
		Payload:         p.Payload,
		ContentType:     p.ContentType,
		ResponseTopic:   p.ResponseTopic,
		CorrelationData: p.CorrelationData,
		UserProperties:  p.UserProperties,
		MessageExpiry:   p.MessageExpiry,
		PayloadFormat:   p.PayloadFormat,
		QoS:             p.QoS,
		Retain:          p.Retain,
	}
}

// FromWill builds the Message published on behalf of a client that left
// without a clean DISCONNECT.
func FromWill(w *packets.Will) *Message {
	return &Message{
		PublishTime:     time.Now(),
		Topic:           w.Topic,
		Payload:         w.Payload,
		ContentType:     w.ContentType,
		ResponseTopic:   w.ResponseTopic,
		CorrelationData: w.CorrelationData,
		UserProperties:  w.UserProperties,
		MessageExpiry:   w.MessageExpiry,
		PayloadFormat:   w.PayloadFormat,
		QoS:             w.QoS,
		Retain:          w.Retain,
	}
}

// Publish builds an outbound PUBLISH packet carrying the message. The packet
// identifier is left for the caller to assign.
func (m *Message) Publish(qos byte, retain bool) *packets.Publish {
	return &packets.Publish{
		QoS:             qos,
		Retain:          retain,
		Topic:           m.Topic,
		Payload:         m.Payload,
		ContentType:     m.ContentType,
		ResponseTopic:   m.ResponseTopic,
		CorrelationData: m.CorrelationData,
		UserProperties:  m.UserProperties,
		MessageExpiry:   m.MessageExpiry,
		PayloadFormat:   m.PayloadFormat,
	}
}

// Copy returns a deep copy of the message.
func (m *Message) Copy() *Message {
	if m == nil {
		return nil
	}

	cp := *m
	cp.Payload = append([]byte(nil), m.Payload...)
	if m.CorrelationData != nil {
		cp.CorrelationData = append([]byte(nil), m.CorrelationData...)
	}
	if m.UserProperties != nil {
		cp.UserProperties = append([]packets.UserProperty(nil), m.UserProperties...)
	}
	if m.MessageExpiry != nil {
		exp := *m.MessageExpiry
		cp.MessageExpiry = &exp
	}
	if m.PayloadFormat != nil {
		pf := *m.PayloadFormat
		cp.PayloadFormat = &pf
	}
	return &cp
}
