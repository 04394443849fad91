// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mqttengine/broker/events"
	"github.com/absmach/mqttengine/config"
)

var _ events.Notifier = (*Notifier)(nil)

// Notifier delivers broker events to the configured endpoints from a pool of
// workers. Notify never blocks: when the queue is full the drop policy
// decides which job is lost.
type Notifier struct {
	cfg       config.WebhookConfig
	brokerID  string
	endpoints []*endpoint
	queue     chan *job
	sender    Sender
	logger    *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	flushWG sync.WaitGroup
	stop    chan struct{}
	dropped atomic.Uint64

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
}

type job struct {
	ep      *endpoint
	event   events.Event
	body    []byte // encoded on first attempt
	eventID string
	attempt int
}

// NewNotifier creates a notifier and starts its workers.
func NewNotifier(cfg config.WebhookConfig, brokerID string, sender Sender, logger *slog.Logger) (*Notifier, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	eps := make([]*endpoint, 0, len(cfg.Endpoints))
	for _, c := range cfg.Endpoints {
		ep, err := newEndpoint(cfg, c, logger)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}

	queueSize := max(cfg.QueueSize, 1)
	workers := max(cfg.Workers, 1)

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		cfg:       cfg,
		brokerID:  brokerID,
		endpoints: eps,
		queue:     make(chan *job, queueSize),
		sender:    sender,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		stop:      make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	if cfg.BatchInterval > 0 {
		n.flushWG.Add(1)
		go n.flusher()
	}

	logger.Info("webhook notifier started",
		slog.Int("endpoints", len(eps)),
		slog.Int("workers", workers),
		slog.Int("queue_size", queueSize),
		slog.Duration("batch_interval", cfg.BatchInterval))
	return n, nil
}

// Notify queues the event for every endpoint that accepts it.
func (n *Notifier) Notify(_ context.Context, ev events.Event) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrClosed
	}
	for _, ep := range n.endpoints {
		if !ep.accepts(ev) {
			continue
		}
		ev := ep.shape(ev)
		if n.cfg.BatchInterval > 0 && batchable(ev.Type()) {
			if b := ep.add(ev, n.cfg.BatchSize); b != nil {
				n.enqueue(&job{ep: ep, event: *b})
			}
			continue
		}
		n.enqueue(&job{ep: ep, event: ev})
	}
	return nil
}

// Dropped returns the number of jobs lost to queue overflow.
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

// Close flushes pending batches and waits up to the shutdown timeout for
// queued deliveries to finish.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	// Nothing else sends on the queue once closed is set.
	close(n.stop)
	n.flushWG.Wait()
	n.flush()
	close(n.queue)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
		n.cancel()
		return nil
	case <-time.After(timeout):
		n.cancel()
		<-done
		n.logger.Warn("webhook notifier shutdown timed out", slog.Duration("timeout", timeout))
		return fmt.Errorf("webhook shutdown timed out after %s", timeout)
	}
}

func (n *Notifier) enqueue(j *job) {
	select {
	case n.queue <- j:
		return
	default:
	}

	n.dropped.Add(1)
	if n.cfg.DropPolicy != "oldest" {
		n.logger.Warn("webhook queue full, dropping event",
			slog.String("event_type", j.event.Type()),
			slog.String("endpoint", j.ep.name))
		return
	}

	select {
	case old := <-n.queue:
		n.logger.Warn("webhook queue full, dropping oldest event",
			slog.String("event_type", old.event.Type()),
			slog.String("endpoint", old.ep.name))
	default:
	}
	select {
	case n.queue <- j:
	default:
	}
}

func (n *Notifier) flusher() {
	defer n.flushWG.Done()

	t := time.NewTicker(n.cfg.BatchInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n.flush()
		case <-n.stop:
			return
		}
	}
}

func (n *Notifier) flush() {
	for _, ep := range n.endpoints {
		for _, b := range ep.drain() {
			n.enqueue(&job{ep: ep, event: *b})
		}
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for j := range n.queue {
		n.process(j)
	}
}

func (n *Notifier) process(j *job) {
	if j.body == nil {
		env := j.event.Wrap(n.brokerID)
		body, err := json.Marshal(env)
		if err != nil {
			n.logger.Error("webhook event encoding failed",
				slog.String("event_type", j.event.Type()),
				slog.String("error", err.Error()))
			return
		}
		j.body, j.eventID = body, env.EventID
	}
	j.attempt++

	_, err := j.ep.breaker.Execute(func() (any, error) {
		return nil, n.sender.Send(n.ctx, Request{
			URL:       j.ep.url,
			Headers:   j.ep.headers,
			Body:      j.body,
			EventType: j.event.Type(),
			EventID:   j.eventID,
			Timeout:   j.ep.timeout,
		})
	})
	if err == nil {
		return
	}

	attrs := []any{
		slog.String("endpoint", j.ep.name),
		slog.String("event_type", j.event.Type()),
		slog.String("event_id", j.eventID),
		slog.Int("attempt", j.attempt),
		slog.String("error", err.Error()),
	}
	if errors.Is(err, ErrRejected) || j.attempt >= j.ep.retry.MaxAttempts || n.isClosed() {
		n.logger.Warn("webhook delivery failed", attrs...)
		return
	}

	delay := backoff(j.ep.retry, j.attempt)
	n.logger.Debug("webhook delivery retry scheduled", append(attrs, slog.Duration("delay", delay))...)
	time.AfterFunc(delay, func() { n.retry(j) })
}

// retry re-queues a job unless the notifier closed while it waited.
func (n *Notifier) retry(j *job) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.dropped.Add(1)
		return
	}
	n.enqueue(j)
}

func (n *Notifier) isClosed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed
}

// backoff returns the wait before the attempt following the given one.
func backoff(rc config.RetryConfig, attempt int) time.Duration {
	mult := rc.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(rc.InitialInterval) * math.Pow(mult, float64(attempt-1)))
	if rc.MaxInterval > 0 && d > rc.MaxInterval {
		d = rc.MaxInterval
	}
	return d
}
