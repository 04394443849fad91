// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/absmach/mqttengine/broker/events"
	"github.com/absmach/mqttengine/config"
	"github.com/absmach/mqttengine/packets"
	"github.com/absmach/mqttengine/server/otel"
	"github.com/absmach/mqttengine/session"
	"github.com/absmach/mqttengine/storage"
	"go.opentelemetry.io/otel/trace"
)

// Options configures a Broker.
type Options struct {
	Config config.BrokerConfig
	Hooks  Hooks

	Retained    storage.RetainedStorage // nil keeps retained messages in memory only
	RateLimiter ClientRateLimiter       // nil if rate limiting disabled
	Notifier    events.Notifier         // nil if events are disabled
	Logger      *slog.Logger            // nil uses slog.Default()
	Stats       *Stats                  // nil creates a new one
	Metrics     *otel.Metrics           // nil if metrics disabled
	Tracer      trace.Tracer            // nil if tracing disabled
}

// Broker is the session and dispatch engine. It owns the session registry,
// the live connections, the retained store and the keep-alive monitor.
type Broker struct {
	cfg      config.BrokerConfig
	hooks    Hooks
	registry *session.Registry
	retained *RetainedStore

	// createMu serializes connection attach and teardown.
	createMu  sync.Mutex
	clientsMu sync.RWMutex
	clients   map[string]*Client

	keepAlive   *keepAliveMonitor
	rateLimiter ClientRateLimiter
	notifier    events.Notifier
	logger      *slog.Logger
	stats       *Stats
	metrics     *otel.Metrics
	tracer      trace.Tracer

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a broker, loads the retained messages and starts the
// background loops.
func New(opts Options) (*Broker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stats := opts.Stats
	if stats == nil {
		stats = NewStats()
	}

	strategy, err := overflowStrategy(opts.Config.PendingMessagesOverflowStrategy)
	if err != nil {
		return nil, err
	}

	hooks := opts.Hooks
	if rl := opts.RateLimiter; rl != nil {
		hooks.InterceptPublish = ChainPublish(RateLimitPublish(rl), hooks.InterceptPublish)
		hooks.InterceptSubscription = ChainSubscription(RateLimitSubscription(rl), hooks.InterceptSubscription)
	}

	b := &Broker{
		cfg:         opts.Config,
		hooks:       hooks,
		retained:    NewRetainedStore(opts.Retained, logger),
		clients:     make(map[string]*Client),
		rateLimiter: opts.RateLimiter,
		notifier:    opts.Notifier,
		logger:      logger,
		stats:       stats,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		stopCh:      make(chan struct{}),
	}

	busCfg := session.BusConfig{
		MaxPending: opts.Config.MaxPendingMessagesPerClient,
		Strategy:   strategy,
	}
	b.registry = session.NewRegistry(busCfg, logger, b.messageDropped)

	if err := b.retained.Load(context.Background()); err != nil {
		return nil, err
	}
	n := int64(b.retained.Len())
	b.stats.AddRetainedMessages(n)
	b.metrics.RecordRetained(n)

	b.keepAlive = newKeepAliveMonitor(opts.Config.KeepAliveMonitorInterval, b.liveClients, logger)
	b.keepAlive.start()

	b.wg.Add(1)
	go b.expiryLoop()
	if opts.Config.SysInterval > 0 {
		b.wg.Add(1)
		go b.statsLoop()
	}

	return b, nil
}

// Close stops the background loops, closes every connection with
// "server shutting down" and waits for them to finish.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.stopCh)
		b.keepAlive.stop()
		b.CloseAllConnections(packets.ServerShuttingDown)
		b.wg.Wait()
		b.logger.Info("broker closed")
	})
	return nil
}

// Closed reports whether Close was called.
func (b *Broker) Closed() bool {
	return b.closed.Load()
}

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Retained returns the retained message store.
func (b *Broker) Retained() *RetainedStore {
	return b.retained
}

// Registry returns the session registry.
func (b *Broker) Registry() *session.Registry {
	return b.registry
}

func (b *Broker) client(id string) (*Client, bool) {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	c, ok := b.clients[id]
	return c, ok
}

func (b *Broker) liveClients() []*Client {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	return clients
}

// sessionExpiry derives the expiry interval of a new connection. MQTT 5
// carries it in CONNECT; for MQTT 3.1.1 a persistent session falls back to
// the configured default, where 0 means never.
func (b *Broker) sessionExpiry(connect *packets.Connect) uint32 {
	if connect.ProtocolVersion >= packets.V5 {
		return connect.SessionExpiryInterval
	}
	if connect.CleanSession {
		return 0
	}
	if b.cfg.DefaultSessionExpiry == 0 {
		return session.ExpiryNever
	}
	return b.cfg.DefaultSessionExpiry
}

// persistent reports whether s outlives its connection.
func (b *Broker) persistent(s *session.Session) bool {
	return b.cfg.EnablePersistentSessions && s.ExpiryInterval() > 0
}

// withTimeout bounds ctx by the communication timeout, if one is set.
func (b *Broker) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.DefaultCommunicationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.cfg.DefaultCommunicationTimeout)
}

// messageDropped is the session bus overflow callback.
func (b *Broker) messageDropped(s *session.Session, pub *packets.Publish) {
	b.stats.IncrementMessagesDropped()
	b.metrics.RecordMessageDropped(pub.QoS)
	b.logger.Warn("session queue full, message dropped",
		slog.String("client_id", s.ID()),
		slog.String("topic", pub.Topic),
		slog.Int("qos", int(pub.QoS)))
	b.notify(events.MessageDropped{
		ClientID:     s.ID(),
		MessageTopic: pub.Topic,
		QoS:          pub.QoS,
		PacketID:     pub.PacketID,
	})
}

// notify hands an event to the notifier, if any. It never blocks on
// delivery.
func (b *Broker) notify(ev events.Event) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(context.Background(), ev); err != nil {
		b.logger.Debug("event notification failed",
			slog.String("event_type", ev.Type()),
			slog.String("error", err.Error()))
	}
}

func (b *Broker) logOp(op string, attrs ...any) {
	b.logger.Debug(op, attrs...)
}

func (b *Broker) logError(op string, err error, attrs ...any) {
	if err != nil {
		allAttrs := append([]any{slog.String("error", err.Error())}, attrs...)
		b.logger.Error(op, allAttrs...)
	}
}

func overflowStrategy(s string) (session.OverflowStrategy, error) {
	switch s {
	case "", config.OverflowDropNew:
		return session.DropNewMessage, nil
	case config.OverflowDropOldest:
		return session.DropOldestQueuedMessage, nil
	default:
		return 0, fmt.Errorf("unknown pending messages overflow strategy %q", s)
	}
}
