// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"time"

	"github.com/absmach/mqttengine/packets"
)

// Channel is one client transport carrying decoded MQTT control packets.
// SendPacket may be called concurrently with itself and with ReceivePacket.
type Channel interface {
	// SendPacket encodes and writes pkt. It returns when the packet is
	// written or ctx is done.
	SendPacket(ctx context.Context, pkt packets.ControlPacket) error

	// ReceivePacket blocks until the next packet is decoded or ctx is done.
	// A nil packet with a nil error means the peer closed the channel.
	ReceivePacket(ctx context.Context) (packets.ControlPacket, error)

	// Disconnect closes the channel, flushing pending writes for at most
	// timeout.
	Disconnect(timeout time.Duration) error

	// Endpoint identifies the remote peer, usually its address.
	Endpoint() string

	// ProtocolVersion returns the negotiated protocol version, or 0 before
	// CONNECT was read.
	ProtocolVersion() byte
}
