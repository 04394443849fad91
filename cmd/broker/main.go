// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/mqttengine/broker"
	"github.com/absmach/mqttengine/broker/events"
	"github.com/absmach/mqttengine/broker/webhook"
	"github.com/absmach/mqttengine/config"
	"github.com/absmach/mqttengine/ratelimit"
	adminhttp "github.com/absmach/mqttengine/server/http"
	"github.com/absmach/mqttengine/server/otel"
	"github.com/absmach/mqttengine/server/tcp"
	"github.com/absmach/mqttengine/server/websocket"
	"github.com/absmach/mqttengine/storage"
	"github.com/absmach/mqttengine/storage/badger"
	"github.com/absmach/mqttengine/storage/memory"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	version          = "1.0.0"
	instrumentation  = "github.com/absmach/mqttengine"
	telemetryTimeout = 5 * time.Second
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting MQTT broker", "version", version)
	slog.Info("Configuration loaded",
		"tcp_addr", cfg.Server.TCPAddr,
		"ws_addr", cfg.Server.WSAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"tls_enabled", cfg.Server.TLSEnabled,
		"storage", cfg.Storage.Type,
		"persistent_sessions", cfg.Broker.EnablePersistentSessions,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var retained storage.RetainedStorage
	switch cfg.Storage.Type {
	case "badger":
		compression, err := badger.ParseCompression(cfg.Storage.Compression)
		if err != nil {
			slog.Error("Invalid storage compression", "error", err)
			os.Exit(1)
		}
		store, err := badger.New(badger.Config{
			Dir:         cfg.Storage.BadgerDir,
			SyncWrites:  cfg.Storage.SyncWrites,
			Compression: compression,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		retained = store
		slog.Info("Using BadgerDB retained message storage", "dir", cfg.Storage.BadgerDir)
	default:
		retained = memory.NewRetainedStore()
		slog.Info("Using in-memory retained message storage")
	}

	var (
		metrics *otel.Metrics
		tracer  trace.Tracer
	)
	if cfg.Otel.MetricsEnabled || cfg.Otel.TracesEnabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Otel, cfg.Broker.ID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), telemetryTimeout)
			defer scancel()
			if err := shutdown(sctx); err != nil {
				slog.Error("Failed to shut down OpenTelemetry", "error", err)
			}
		}()

		if cfg.Otel.MetricsEnabled {
			metrics, err = otel.NewMetrics(otelapi.GetMeterProvider().Meter(instrumentation))
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
		}
		if cfg.Otel.TracesEnabled {
			tracer = otelapi.GetTracerProvider().Tracer(instrumentation)
		}
		slog.Info("OpenTelemetry enabled",
			"endpoint", cfg.Otel.Endpoint,
			"metrics", cfg.Otel.MetricsEnabled,
			"traces", cfg.Otel.TracesEnabled)
	}

	var notifier events.Notifier
	if cfg.Webhook.Enabled {
		n, err := webhook.NewNotifier(cfg.Webhook, cfg.Broker.ID, webhook.NewHTTPSender(nil), logger)
		if err != nil {
			slog.Error("Failed to create webhook notifier", "error", err)
			os.Exit(1)
		}
		defer n.Close()
		notifier = n
		slog.Info("Webhooks enabled", "endpoints", len(cfg.Webhook.Endpoints))
	}

	// Keep typed nils out of the interfaces below.
	var (
		rateLimiter broker.ClientRateLimiter
		connLimiter tcp.ConnLimiter
	)
	if cfg.RateLimit.Enabled {
		rl := ratelimit.NewManager(cfg.RateLimit)
		defer rl.Stop()
		rateLimiter = rl
		connLimiter = rl
		slog.Info("Rate limiting enabled")
	}

	b, err := broker.New(broker.Options{
		Config:      cfg.Broker,
		Retained:    retained,
		RateLimiter: rateLimiter,
		Notifier:    notifier,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracer,
	})
	if err != nil {
		slog.Error("Failed to create broker", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	var wg sync.WaitGroup
	serverErr := make(chan error, 3)

	tcpCfg := tcp.Config{
		Address:          cfg.Server.TCPAddr,
		Logger:           logger,
		Limiter:          connLimiter,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
		HandshakeTimeout: cfg.Server.TLSHandshakeTimeout,
		MaxConnections:   cfg.Server.TCPMaxConn,
	}
	if cfg.Server.TLSEnabled {
		tlsCfg, err := tcp.LoadTLSConfig(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile, cfg.Server.TLSCAFile, cfg.Server.TLSClientAuth)
		if err != nil {
			slog.Error("Failed to load TLS configuration", "error", err)
			os.Exit(1)
		}
		tcpCfg.TLSConfig = tlsCfg
	}
	tcpServer := tcp.New(tcpCfg, b)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tcpServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.WSAddr != "" {
		wsServer := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Limiter:         connLimiter,
		}, b, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.HTTPAddr != "" {
		httpServer := adminhttp.New(adminhttp.Config{
			Address:         cfg.Server.HTTPAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("MQTT broker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	// Closing the broker first disconnects every client with "server
	// shutting down", so the listeners drain quickly.
	b.Close()
	cancel()
	wg.Wait()
	slog.Info("MQTT broker stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
