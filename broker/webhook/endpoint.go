// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/mqttengine/broker/events"
	"github.com/absmach/mqttengine/config"
	"github.com/absmach/mqttengine/topics"
	"github.com/sony/gobreaker"
)

// batchable reports whether events of type t are grouped before delivery.
// Both can fire once per message when a subscriber falls behind or a topic
// has no consumers.
func batchable(t string) bool {
	return t == events.TypeMessageDropped || t == events.TypeMessageNotConsumed
}

type endpoint struct {
	name           string
	url            string
	eventTypes     map[string]bool
	filters        []string
	includePayload bool
	headers        map[string]string
	timeout        time.Duration
	retry          config.RetryConfig
	breaker        *gobreaker.CircuitBreaker

	mu      sync.Mutex
	pending map[string][]events.Event // batchable events by type
}

func newEndpoint(cfg config.WebhookConfig, ep config.WebhookEndpoint, logger *slog.Logger) (*endpoint, error) {
	for _, f := range ep.TopicFilters {
		if err := topics.ValidateFilter(f); err != nil {
			return nil, fmt.Errorf("endpoint %q: %w: %q", ep.Name, err, f)
		}
	}

	e := &endpoint{
		name:           ep.Name,
		url:            ep.URL,
		eventTypes:     make(map[string]bool, len(ep.Events)),
		filters:        ep.TopicFilters,
		includePayload: cfg.IncludePayload,
		headers:        ep.Headers,
		timeout:        cfg.Defaults.Timeout,
		retry:          cfg.Defaults.Retry,
		pending:        make(map[string][]events.Event),
	}
	for _, t := range ep.Events {
		e.eventTypes[t] = true
	}
	if ep.IncludePayload != nil {
		e.includePayload = *ep.IncludePayload
	}
	if ep.Timeout > 0 {
		e.timeout = ep.Timeout
	}
	if ep.Retry != nil {
		e.retry = *ep.Retry
	}

	threshold := uint32(cfg.Defaults.CircuitBreaker.FailureThreshold)
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        ep.Name,
		MaxRequests: 1,
		Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return threshold > 0 && c.ConsecutiveFailures >= threshold
		},
		// A refusal means the endpoint is up.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("webhook circuit breaker state changed",
				slog.String("endpoint", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return e, nil
}

// accepts applies the event type and topic filters. Without topic filters
// events on $ topics are skipped: they are the broker's own statistics.
func (e *endpoint) accepts(ev events.Event) bool {
	if len(e.eventTypes) > 0 && !e.eventTypes[ev.Type()] {
		return false
	}

	topic := ev.Topic()
	if topic == "" {
		return true
	}
	if len(e.filters) == 0 {
		return !strings.HasPrefix(topic, "$")
	}
	for _, f := range e.filters {
		if topics.MatchValid(topic, f) {
			return true
		}
	}
	return false
}

// shape returns the event as this endpoint receives it.
func (e *endpoint) shape(ev events.Event) events.Event {
	switch v := ev.(type) {
	case events.MessagePublished:
		if !e.includePayload {
			v.Payload = nil
		}
		return v
	}
	return ev
}

// add queues a batchable event. It returns a full batch once size events of
// the type are pending.
func (e *endpoint) add(ev events.Event, size int) *events.Batch {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := ev.Type()
	e.pending[t] = append(e.pending[t], ev)
	if len(e.pending[t]) < size {
		return nil
	}
	b := &events.Batch{EventType: t, Count: len(e.pending[t]), Events: e.pending[t]}
	delete(e.pending, t)
	return b
}

// drain returns and clears every pending batch.
func (e *endpoint) drain() []*events.Batch {
	e.mu.Lock()
	defer e.mu.Unlock()

	batches := make([]*events.Batch, 0, len(e.pending))
	for t, evs := range e.pending {
		batches = append(batches, &events.Batch{EventType: t, Count: len(evs), Events: evs})
	}
	clear(e.pending)
	return batches
}
