// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker statistics published under $SYS.
type Stats struct {
	startTime time.Time

	// Connection stats
	totalConnections    atomic.Uint64
	currentConnections  atomic.Int64
	disconnections      atomic.Uint64
	rejectedConnections atomic.Uint64

	// Message stats
	publishReceived  atomic.Uint64
	publishSent      atomic.Uint64
	messagesDropped  atomic.Uint64
	messagesUnrouted atomic.Uint64

	// Byte stats
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	subscriptions    atomic.Int64
	retainedMessages atomic.Int64

	protocolErrors atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Connection tracking.
func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(-1)
	s.disconnections.Add(1)
}

func (s *Stats) IncrementRejectedConnections() {
	s.rejectedConnections.Add(1)
}

func (s *Stats) GetTotalConnections() uint64 {
	return s.totalConnections.Load()
}

func (s *Stats) GetCurrentConnections() int64 {
	return s.currentConnections.Load()
}

func (s *Stats) GetDisconnections() uint64 {
	return s.disconnections.Load()
}

func (s *Stats) GetRejectedConnections() uint64 {
	return s.rejectedConnections.Load()
}

// Message tracking.
func (s *Stats) IncrementPublishReceived(bytes int) {
	s.publishReceived.Add(1)
	s.bytesReceived.Add(uint64(bytes))
}

func (s *Stats) IncrementPublishSent(bytes int) {
	s.publishSent.Add(1)
	s.bytesSent.Add(uint64(bytes))
}

func (s *Stats) IncrementMessagesDropped() {
	s.messagesDropped.Add(1)
}

func (s *Stats) IncrementMessagesUnrouted() {
	s.messagesUnrouted.Add(1)
}

func (s *Stats) GetPublishReceived() uint64 {
	return s.publishReceived.Load()
}

func (s *Stats) GetPublishSent() uint64 {
	return s.publishSent.Load()
}

func (s *Stats) GetMessagesDropped() uint64 {
	return s.messagesDropped.Load()
}

func (s *Stats) GetMessagesUnrouted() uint64 {
	return s.messagesUnrouted.Load()
}

func (s *Stats) GetBytesReceived() uint64 {
	return s.bytesReceived.Load()
}

func (s *Stats) GetBytesSent() uint64 {
	return s.bytesSent.Load()
}

// Subscription tracking.
func (s *Stats) AddSubscriptions(delta int64) {
	s.subscriptions.Add(delta)
}

func (s *Stats) GetSubscriptions() int64 {
	return s.subscriptions.Load()
}

// Retained message tracking.
func (s *Stats) AddRetainedMessages(delta int64) {
	s.retainedMessages.Add(delta)
}

func (s *Stats) GetRetainedMessages() int64 {
	return s.retainedMessages.Load()
}

// Error tracking.
func (s *Stats) IncrementProtocolErrors() {
	s.protocolErrors.Add(1)
}

func (s *Stats) GetProtocolErrors() uint64 {
	return s.protocolErrors.Load()
}

// Uptime.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
