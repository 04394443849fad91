// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport adapts byte streams to the broker's packet channel,
// running the MQTT 3.1 and 3.1.1 wire codec over them.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mqttengine/broker"
	"github.com/absmach/mqttengine/internal/bufpool"
	"github.com/absmach/mqttengine/packets"
	paho "github.com/eclipse/paho.mqtt.golang/packets"
)

var (
	// ErrUnsupportedProtocol is returned when a client connects with a
	// protocol version this transport does not speak.
	ErrUnsupportedProtocol = errors.New("unsupported protocol version")

	// ErrMalformedPacket is returned when a packet cannot be decoded.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrUnsupportedPacket is returned for packets that have no 3.1.1
	// encoding in the given direction.
	ErrUnsupportedPacket = errors.New("unsupported packet")
)

const readBufferSize = 4096

var encodeBuffers = bufpool.New(512, 64*1024)

// aLongTimeAgo is a deadline in the past; setting it unblocks pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

var _ broker.Channel = (*Conn)(nil)

// Conn is a broker.Channel over a stream connection. Writes are serialized,
// so SendPacket is safe for concurrent use alongside ReceivePacket.
type Conn struct {
	conn     net.Conn
	reader   *bufio.Reader
	endpoint string
	version  atomic.Uint32

	writeMu   sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// New wraps conn. The connection is owned by the returned Conn from now on.
func New(conn net.Conn) *Conn {
	var endpoint string
	if addr := conn.RemoteAddr(); addr != nil {
		endpoint = addr.String()
	}
	return &Conn{
		conn:     conn,
		reader:   bufio.NewReaderSize(conn, readBufferSize),
		endpoint: endpoint,
	}
}

// ReceivePacket implements broker.Channel.
func (c *Conn) ReceivePacket(ctx context.Context) (packets.ControlPacket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var cp paho.ControlPacket
	err := withDeadline(ctx, c.conn.SetReadDeadline, func() error {
		var err error
		cp, err = paho.ReadPacket(c.reader)
		return err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return nil, nil
		}
		if isNetError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}

	if connect, ok := cp.(*paho.ConnectPacket); ok {
		switch connect.Validate() {
		case paho.ErrRefusedBadProtocolVersion:
			refused := paho.NewControlPacket(paho.Connack).(*paho.ConnackPacket)
			refused.ReturnCode = connRefusedProtocolVersion
			_ = c.write(ctx, refused)
			return nil, fmt.Errorf("%w: %s level %d", ErrUnsupportedProtocol, connect.ProtocolName, connect.ProtocolVersion)
		case paho.ErrProtocolViolation:
			return nil, fmt.Errorf("%w: invalid CONNECT header", ErrMalformedPacket)
		}
		c.version.Store(uint32(connect.ProtocolVersion))
	}

	return decode(cp)
}

// SendPacket implements broker.Channel.
func (c *Conn) SendPacket(ctx context.Context, pkt packets.ControlPacket) error {
	cp, err := encode(pkt)
	if err != nil {
		return err
	}
	return c.write(ctx, cp)
}

func (c *Conn) write(ctx context.Context, cp paho.ControlPacket) error {
	buf := encodeBuffers.Get()
	defer encodeBuffers.Put(buf)
	if err := cp.Write(buf); err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return net.ErrClosed
	}

	err := withDeadline(ctx, c.conn.SetWriteDeadline, func() error {
		_, err := c.conn.Write(buf.Bytes())
		return err
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Disconnect implements broker.Channel. A write in progress gets at most
// timeout to finish before the connection is closed.
func (c *Conn) Disconnect(timeout time.Duration) error {
	c.closeOnce.Do(func() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		c.writeMu.Lock()
		c.closed = true
		c.closeErr = c.conn.Close()
		c.writeMu.Unlock()
	})
	return c.closeErr
}

// Endpoint implements broker.Channel.
func (c *Conn) Endpoint() string { return c.endpoint }

// ProtocolVersion implements broker.Channel.
func (c *Conn) ProtocolVersion() byte { return byte(c.version.Load()) }

// withDeadline runs op, forcing the deadline set by setDeadline into the past
// when ctx is done first. The deadline is cleared again if ctx fired after op
// had already returned.
func withDeadline(ctx context.Context, setDeadline func(time.Time) error, op func() error) error {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = setDeadline(aLongTimeAgo)
	})

	err := op()

	if !stop() {
		<-fired
		_ = setDeadline(time.Time{})
	}
	return err
}

func isNetError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, io.ErrUnexpectedEOF)
}
