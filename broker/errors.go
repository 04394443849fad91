// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/absmach/mqttengine/packets"
)

var (
	// ErrProtocolViolation is returned when a client sends a packet that is
	// not allowed in the current connection state.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTopicAliasInvalid is returned for an inbound topic alias that is out
	// of range or was never set.
	ErrTopicAliasInvalid = errors.New("invalid topic alias")

	// ErrSessionNotFound is returned by management calls for unknown clients.
	ErrSessionNotFound = errors.New("session not found")

	// ErrBrokerClosed is returned once Close was called.
	ErrBrokerClosed = errors.New("broker closed")

	errClientDisconnected = errors.New("client disconnected")
	errChannelClosed      = errors.New("channel closed by peer")
)

// stopError is the cancellation cause of a connection stopped by the broker.
type stopError struct {
	reason packets.ReasonCode
}

func (e *stopError) Error() string {
	return fmt.Sprintf("connection stopped with reason 0x%02x", byte(e.reason))
}

// isCommunicationError reports whether err is an expected transport failure:
// a closed or reset connection, or a timeout.
func isCommunicationError(err error) bool {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, errChannelClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
