// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token-bucket limits for connection attempts per
// remote IP and for publishes and subscriptions per client.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Message    MessageConfig    `yaml:"message"`
	Subscribe  SubscribeConfig  `yaml:"subscribe"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // connections per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // how often idle buckets are dropped
}

// MessageConfig holds per-client publish rate limiting settings.
type MessageConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // publishes per second per client
	Burst   int     `yaml:"burst"` // burst allowance
}

// SubscribeConfig holds per-client subscription rate limiting settings.
type SubscribeConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // subscribe requests per second per client
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns the default configuration; limiting is off until
// Enabled is set.
func DefaultConfig() Config {
	return Config{
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Message: MessageConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
		Subscribe: SubscribeConfig{
			Enabled: true,
			Rate:    100,
			Burst:   10,
		},
	}
}

// Manager applies the configured limits. A nil limiter inside means that
// dimension is unlimited.
type Manager struct {
	conns  *Keyed
	pubs   *Keyed
	subs   *Keyed
	idle   time.Duration
	stopCh chan struct{}
	once   sync.Once
}

// NewManager creates a manager. With per-IP limiting enabled it starts a
// goroutine dropping idle buckets every CleanupInterval; Stop ends it.
func NewManager(cfg Config) *Manager {
	m := &Manager{stopCh: make(chan struct{})}
	if !cfg.Enabled {
		return m
	}

	if cfg.Connection.Enabled {
		m.conns = NewKeyed(cfg.Connection.Rate, cfg.Connection.Burst)
		m.idle = cfg.Connection.CleanupInterval
		if m.idle > 0 {
			go m.sweepLoop()
		}
	}
	if cfg.Message.Enabled {
		m.pubs = NewKeyed(cfg.Message.Rate, cfg.Message.Burst)
	}
	if cfg.Subscribe.Enabled {
		m.subs = NewKeyed(cfg.Subscribe.Rate, cfg.Subscribe.Burst)
	}
	return m
}

// Allow reports whether a new connection from addr may proceed. Addresses
// without an IP are never limited.
func (m *Manager) Allow(addr net.Addr) bool {
	if m.conns == nil {
		return true
	}
	ip := extractIP(addr)
	if ip == "" {
		return true
	}
	return m.conns.Allow(ip)
}

// AllowPublish reports whether clientID may publish now.
func (m *Manager) AllowPublish(clientID string) bool {
	return m.pubs == nil || m.pubs.Allow(clientID)
}

// AllowSubscribe reports whether clientID may subscribe now.
func (m *Manager) AllowSubscribe(clientID string) bool {
	return m.subs == nil || m.subs.Allow(clientID)
}

// OnClientDisconnect drops the buckets of a disconnected client.
func (m *Manager) OnClientDisconnect(clientID string) {
	if m.pubs != nil {
		m.pubs.Remove(clientID)
	}
	if m.subs != nil {
		m.subs.Remove(clientID)
	}
}

// Stop ends the sweep goroutine. It is safe to call more than once.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.idle)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// A bucket idle for two intervals has refilled long ago.
			m.conns.Sweep(2 * m.idle)
		case <-m.stopCh:
			return
		}
	}
}

func extractIP(addr net.Addr) string {
	switch a := addr.(type) {
	case nil:
		return ""
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
