// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the broker engine.
// A nil *Metrics records nothing.
type Metrics struct {
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	messagesReceived    metric.Int64Counter
	messagesSent        metric.Int64Counter
	messagesDropped     metric.Int64Counter
	messagesUnrouted    metric.Int64Counter
	bytesReceived       metric.Int64Counter
	bytesSent           metric.Int64Counter
	errorsTotal         metric.Int64Counter

	connectionsCurrent  metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter
	sessionsActive      metric.Int64UpDownCounter
	retainedMessages    metric.Int64UpDownCounter

	dispatchDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.connectionsTotal, "mqtt.connections.total", "Total number of accepted MQTT connections"},
		{&m.disconnectionsTotal, "mqtt.disconnections.total", "Total number of MQTT disconnections by reason"},
		{&m.messagesReceived, "mqtt.messages.received.total", "PUBLISH packets received from clients"},
		{&m.messagesSent, "mqtt.messages.sent.total", "PUBLISH packets written to clients"},
		{&m.messagesDropped, "mqtt.messages.dropped.total", "PUBLISH packets discarded by session queue overflow"},
		{&m.messagesUnrouted, "mqtt.messages.unrouted.total", "Application messages without matching subscribers"},
		{&m.bytesReceived, "mqtt.bytes.received.total", "Payload bytes received"},
		{&m.bytesSent, "mqtt.bytes.sent.total", "Payload bytes sent"},
		{&m.errorsTotal, "mqtt.errors.total", "Errors by type"},
	}
	for _, c := range counters {
		instrument, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = instrument
	}

	gauges := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&m.connectionsCurrent, "mqtt.connections.current", "Current number of live MQTT connections"},
		{&m.subscriptionsActive, "mqtt.subscriptions.active", "Number of active subscriptions"},
		{&m.sessionsActive, "mqtt.sessions.active", "Number of sessions held by the broker"},
		{&m.retainedMessages, "mqtt.retained.messages", "Number of retained messages"},
	}
	for _, g := range gauges {
		instrument, err := meter.Int64UpDownCounter(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.dst = instrument
	}

	var err error
	m.dispatchDuration, err = meter.Float64Histogram(
		"mqtt.dispatch.duration.ms",
		metric.WithDescription("Application message dispatch duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchDuration histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records a new connection.
func (m *Metrics) RecordConnection(version byte) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Int("version", int(version))))
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records a disconnection.
func (m *Metrics) RecordDisconnection(reason string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.connectionsCurrent.Add(ctx, -1)
}

// RecordMessageReceived records a PUBLISH received from a client.
func (m *Metrics) RecordMessageReceived(qos byte, sizeBytes int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.Int("qos", int(qos))))
	m.bytesReceived.Add(ctx, sizeBytes)
}

// RecordMessageSent records a PUBLISH written to a client.
func (m *Metrics) RecordMessageSent(qos byte, sizeBytes int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(attribute.Int("qos", int(qos))))
	m.bytesSent.Add(ctx, sizeBytes)
}

// RecordMessageDropped records a PUBLISH discarded by queue overflow.
func (m *Metrics) RecordMessageDropped(qos byte) {
	if m == nil {
		return
	}
	m.messagesDropped.Add(context.Background(), 1, metric.WithAttributes(attribute.Int("qos", int(qos))))
}

// RecordMessageUnrouted records an application message nobody consumed.
func (m *Metrics) RecordMessageUnrouted() {
	if m == nil {
		return
	}
	m.messagesUnrouted.Add(context.Background(), 1)
}

// RecordSubscriptions adjusts the active subscription count.
func (m *Metrics) RecordSubscriptions(delta int64) {
	if m == nil {
		return
	}
	m.subscriptionsActive.Add(context.Background(), delta)
}

// RecordSessions adjusts the session count.
func (m *Metrics) RecordSessions(delta int64) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(context.Background(), delta)
}

// RecordRetained adjusts the retained message count.
func (m *Metrics) RecordRetained(delta int64) {
	if m == nil {
		return
	}
	m.retainedMessages.Add(context.Background(), delta)
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", errorType)))
}

// RecordDispatchDuration records how long routing one message took.
func (m *Metrics) RecordDispatchDuration(durationMs float64) {
	if m == nil {
		return
	}
	m.dispatchDuration.Record(context.Background(), durationMs)
}
