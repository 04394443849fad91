// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	userAgent       = "mqttengine-webhook/1.0"
	maxResponseBody = 4 << 10
)

var _ Sender = (*HTTPSender)(nil)

// HTTPSender posts JSON envelopes.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender returns a sender using client, or a client with a 30s
// timeout when client is nil.
func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSender{client: client}
}

// Send posts req.Body to req.URL. 2xx is success. 429 and 5xx are transient
// failures, any other status wraps ErrRejected.
func (s *HTTPSender) Send(ctx context.Context, req Request) error {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("User-Agent", userAgent)
	r.Header.Set("X-Event-Type", req.EventType)
	r.Header.Set("X-Event-Id", req.EventID)
	for k, v := range req.Headers {
		r.Header.Set(k, v)
	}

	resp, err := s.client.Do(r)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("webhook status %d", code)
	default:
		return fmt.Errorf("%w: status %d", ErrRejected, code)
	}
}
