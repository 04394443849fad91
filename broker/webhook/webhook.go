// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers broker events to HTTP endpoints.
package webhook

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by Notify after Close.
	ErrClosed = errors.New("webhook notifier closed")
	// ErrRejected marks a delivery the endpoint refused. It is not retried
	// and does not count against the endpoint's circuit breaker.
	ErrRejected = errors.New("webhook rejected by endpoint")
)

// Request is a single webhook delivery.
type Request struct {
	URL       string
	Headers   map[string]string
	Body      []byte
	EventType string
	EventID   string // stable across retries
	Timeout   time.Duration
}

// Sender performs deliveries.
type Sender interface {
	Send(ctx context.Context, req Request) error
}
