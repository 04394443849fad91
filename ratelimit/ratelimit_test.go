// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newKeyedAt(r float64, burst int) (*Keyed, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	k := NewKeyed(r, burst)
	k.now = clock.now
	return k, clock
}

func TestKeyedAllow(t *testing.T) {
	k, clock := newKeyedAt(5, 2)

	assert.True(t, k.Allow("a"))
	assert.True(t, k.Allow("a"), "second event is within burst")
	assert.False(t, k.Allow("a"), "burst exhausted")

	// 5 tokens per second refill one token every 200ms.
	clock.advance(200 * time.Millisecond)
	assert.True(t, k.Allow("a"))
	assert.False(t, k.Allow("a"))
}

func TestKeyedIndependentKeys(t *testing.T) {
	k, _ := newKeyedAt(1, 1)

	assert.True(t, k.Allow("a"))
	assert.True(t, k.Allow("b"))
	assert.False(t, k.Allow("a"))
	assert.False(t, k.Allow("b"))
	assert.Equal(t, 2, k.Len())
}

func TestKeyedRemove(t *testing.T) {
	k, _ := newKeyedAt(1, 1)

	require.True(t, k.Allow("a"))
	require.False(t, k.Allow("a"))

	k.Remove("a")
	assert.Zero(t, k.Len())
	assert.True(t, k.Allow("a"), "a removed key starts with a full burst")
}

func TestKeyedSweep(t *testing.T) {
	k, clock := newKeyedAt(1, 1)

	k.Allow("old")
	clock.advance(time.Minute)
	k.Allow("fresh")

	assert.Equal(t, 1, k.Sweep(30*time.Second))
	assert.Equal(t, 1, k.Len())
	assert.Zero(t, k.Sweep(30*time.Second))
}

func TestManagerDisabled(t *testing.T) {
	m := NewManager(Config{Enabled: false})
	defer m.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}
	for range 10 {
		assert.True(t, m.Allow(addr))
		assert.True(t, m.AllowPublish("client"))
		assert.True(t, m.AllowSubscribe("client"))
	}
}

func TestManagerEnabled(t *testing.T) {
	cfg := Config{
		Enabled:    true,
		Connection: ConnectionConfig{Enabled: true, Rate: 1, Burst: 1, CleanupInterval: time.Minute},
		Message:    MessageConfig{Enabled: true, Rate: 1, Burst: 1},
		Subscribe:  SubscribeConfig{Enabled: true, Rate: 1, Burst: 1},
	}
	m := NewManager(cfg)
	defer m.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}
	other := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 4321}

	assert.True(t, m.Allow(addr))
	assert.False(t, m.Allow(other), "limit applies per IP, not per port")
	assert.True(t, m.AllowPublish("c"))
	assert.False(t, m.AllowPublish("c"))
	assert.True(t, m.AllowSubscribe("c"))
	assert.False(t, m.AllowSubscribe("c"))

	m.OnClientDisconnect("c")
	assert.True(t, m.AllowPublish("c"))
	assert.True(t, m.AllowSubscribe("c"))
}

func TestManagerSelectiveEnable(t *testing.T) {
	cfg := Config{
		Enabled:    true,
		Connection: ConnectionConfig{Enabled: true, Rate: 1, Burst: 1},
	}
	m := NewManager(cfg)
	defer m.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}
	assert.True(t, m.Allow(addr))
	assert.False(t, m.Allow(addr))

	for range 10 {
		assert.True(t, m.AllowPublish("c"))
		assert.True(t, m.AllowSubscribe("c"))
	}
	m.OnClientDisconnect("c")
}

func TestManagerNilAddr(t *testing.T) {
	cfg := Config{Enabled: true, Connection: ConnectionConfig{Enabled: true, Rate: 1, Burst: 1}}
	m := NewManager(cfg)
	defer m.Stop()

	assert.True(t, m.Allow(nil))
	assert.True(t, m.Allow(nil))
}

func TestManagerStopIdempotent(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.Stop()
	m.Stop()
}

func TestExtractIP(t *testing.T) {
	cases := []struct {
		desc string
		addr net.Addr
		want string
	}{
		{desc: "tcp", addr: &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}, want: "192.168.1.1"},
		{desc: "udp", addr: &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5678}, want: "10.0.0.1"},
		{desc: "unix", addr: &net.UnixAddr{Name: "/tmp/mqtt.sock", Net: "unix"}, want: "/tmp/mqtt.sock"},
		{desc: "nil", addr: nil, want: ""},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, extractIP(tc.addr))
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.True(t, cfg.Connection.Enabled)
	assert.True(t, cfg.Message.Enabled)
	assert.True(t, cfg.Subscribe.Enabled)
	assert.Positive(t, cfg.Connection.CleanupInterval)
}
