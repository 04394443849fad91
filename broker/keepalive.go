// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/absmach/mqttengine/packets"
)

const defaultKeepAliveMonitorInterval = 500 * time.Millisecond

// keepAliveMonitor stops connections whose client has been silent for more
// than one and a half keep-alive periods. It runs on its own OS thread so
// that scheduler load does not skew the scan period.
type keepAliveMonitor struct {
	interval time.Duration
	clients  func() []*Client
	logger   *slog.Logger

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newKeepAliveMonitor(interval time.Duration, clients func() []*Client, logger *slog.Logger) *keepAliveMonitor {
	if interval <= 0 {
		interval = defaultKeepAliveMonitorInterval
	}
	return &keepAliveMonitor{
		interval: interval,
		clients:  clients,
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *keepAliveMonitor) start() {
	go m.run()
}

func (m *keepAliveMonitor) stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.done
}

func (m *keepAliveMonitor) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			m.check(now)
		case <-m.stopCh:
			return
		}
	}
}

// check stops every expired connection without waiting for it and returns
// how many were stopped.
func (m *keepAliveMonitor) check(now time.Time) int {
	var n int
	for _, c := range m.clients() {
		if !c.keepAliveExpired(now) {
			continue
		}
		m.logger.Info("keep alive timeout",
			slog.String("client_id", c.id),
			slog.Duration("keep_alive", c.keepAlive),
			slog.Time("last_packet", c.LastPacketReceivedAt()))
		go c.Stop(packets.KeepAliveTimeout)
		n++
	}
	return n
}
