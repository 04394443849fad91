// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/absmach/mqttengine/ratelimit"
	"gopkg.in/yaml.v3"
)

// Overflow strategy names accepted by broker.pending_messages_overflow_strategy.
const (
	OverflowDropNew    = "drop_new"
	OverflowDropOldest = "drop_oldest"
)

// Config holds all configuration for the MQTT broker.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Broker    BrokerConfig     `yaml:"broker"`
	Log       LogConfig        `yaml:"log"`
	Storage   StorageConfig    `yaml:"storage"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Webhook   WebhookConfig    `yaml:"webhook"`
	Otel      OtelConfig       `yaml:"otel"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	TCPAddr             string        `yaml:"tcp_addr"`
	TLSCertFile         string        `yaml:"tls_cert_file"`
	TLSKeyFile          string        `yaml:"tls_key_file"`
	TLSCAFile           string        `yaml:"tls_ca_file"`     // CA certificate for client verification
	TLSClientAuth       string        `yaml:"tls_client_auth"` // "none", "request", or "require"
	TLSHandshakeTimeout time.Duration `yaml:"tls_handshake_timeout"`
	TCPMaxConn          int           `yaml:"tcp_max_connections"`
	WSAddr              string        `yaml:"ws_addr"` // empty disables MQTT over WebSocket
	WSPath              string        `yaml:"ws_path"`
	HTTPAddr            string        `yaml:"http_addr"` // empty disables the admin API
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	TLSEnabled          bool          `yaml:"tls_enabled"`
}

// BrokerConfig holds the session and dispatch engine settings.
type BrokerConfig struct {
	// ID identifies this broker in webhook envelopes.
	ID string `yaml:"id"`

	// Bound on waiting for CONNECT and on a single packet write.
	DefaultCommunicationTimeout time.Duration `yaml:"default_communication_timeout"`

	// Per-session outbound queue bound and what to drop when it is reached.
	MaxPendingMessagesPerClient     int    `yaml:"max_pending_messages_per_client"`
	PendingMessagesOverflowStrategy string `yaml:"pending_messages_overflow_strategy"` // drop_new, drop_oldest

	// Keep sessions of persistent connections after they disconnect.
	EnablePersistentSessions bool `yaml:"enable_persistent_sessions"`

	KeepAliveMonitorInterval   time.Duration `yaml:"keep_alive_monitor_interval"`
	SessionExpiryCheckInterval time.Duration `yaml:"session_expiry_check_interval"`

	// Expiry in seconds for persistent MQTT 3.1.1 sessions; 0 means never.
	DefaultSessionExpiry uint32 `yaml:"default_session_expiry"`

	// Largest inbound topic alias accepted from MQTT 5 clients.
	MaxTopicAlias uint16 `yaml:"max_topic_alias"`

	// Period of $SYS statistics; 0 disables them.
	SysInterval time.Duration `yaml:"sys_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds retained message storage configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir   string `yaml:"badger_dir"`
	SyncWrites  bool   `yaml:"sync_writes"`
	Compression string `yaml:"compression"` // none, s2, zstd
}

// OtelConfig holds OpenTelemetry configuration.
type OtelConfig struct {
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC collector address
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	IncludePayload  bool              `yaml:"include_payload"`  // Include message payload in events
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`

	// message.dropped and message.not_consumed are sent in batches of at
	// most BatchSize, flushed every BatchInterval. Zero interval disables
	// batching.
	BatchInterval time.Duration `yaml:"batch_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name           string            `yaml:"name"`
	URL            string            `yaml:"url"`
	Events         []string          `yaml:"events"`        // Event type filter (empty = all)
	TopicFilters   []string          `yaml:"topic_filters"` // Topic pattern filter (empty = all but $ topics)
	Headers        map[string]string `yaml:"headers"`
	Timeout        time.Duration     `yaml:"timeout,omitempty"`         // Override default
	Retry          *RetryConfig      `yaml:"retry,omitempty"`           // Override default
	IncludePayload *bool             `yaml:"include_payload,omitempty"` // Override webhook.include_payload
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddr:             ":1883",
			TCPMaxConn:          10000,
			TLSClientAuth:       "none",
			TLSHandshakeTimeout: 10 * time.Second,
			WSPath:              "/mqtt",
			HTTPAddr:            ":8080",
			ShutdownTimeout:     30 * time.Second,
		},
		Broker: BrokerConfig{
			ID:                              "mqttengine-1",
			DefaultCommunicationTimeout:     100 * time.Second,
			MaxPendingMessagesPerClient:     250,
			PendingMessagesOverflowStrategy: OverflowDropNew,
			EnablePersistentSessions:        true,
			KeepAliveMonitorInterval:        500 * time.Millisecond,
			SessionExpiryCheckInterval:      10 * time.Second,
			DefaultSessionExpiry:            0,
			MaxTopicAlias:                   10,
			SysInterval:                     10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:        "memory",
			BadgerDir:   "/tmp/mqttengine/data",
			Compression: "zstd",
		},
		RateLimit: ratelimit.DefaultConfig(),
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			BatchInterval:   time.Second,
			BatchSize:       100,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
		Otel: OtelConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "mqttengine",
			ServiceVersion:  "1.0.0",
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.TCPAddr == "" {
		return fmt.Errorf("server.tcp_addr cannot be empty")
	}
	if c.Server.TCPMaxConn < 0 {
		return fmt.Errorf("server.tcp_max_connections cannot be negative")
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCertFile == "" {
			return fmt.Errorf("server.tls_cert_file required when TLS is enabled")
		}
		if c.Server.TLSKeyFile == "" {
			return fmt.Errorf("server.tls_key_file required when TLS is enabled")
		}

		validClientAuth := map[string]bool{"none": true, "request": true, "require": true}
		if !validClientAuth[c.Server.TLSClientAuth] {
			return fmt.Errorf("server.tls_client_auth must be one of: none, request, require")
		}

		if (c.Server.TLSClientAuth == "request" || c.Server.TLSClientAuth == "require") && c.Server.TLSCAFile == "" {
			return fmt.Errorf("server.tls_ca_file required when tls_client_auth is '%s'", c.Server.TLSClientAuth)
		}
	}

	if c.Server.WSAddr != "" && !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with '/'")
	}
	if c.Server.HTTPAddr != "" && c.Server.HTTPAddr == c.Server.TCPAddr {
		return fmt.Errorf("server.http_addr must differ from server.tcp_addr")
	}

	if c.Broker.DefaultCommunicationTimeout < time.Second {
		return fmt.Errorf("broker.default_communication_timeout must be at least 1 second")
	}
	if c.Broker.MaxPendingMessagesPerClient < 0 {
		return fmt.Errorf("broker.max_pending_messages_per_client cannot be negative")
	}
	if s := c.Broker.PendingMessagesOverflowStrategy; s != OverflowDropNew && s != OverflowDropOldest {
		return fmt.Errorf("broker.pending_messages_overflow_strategy must be '%s' or '%s'", OverflowDropNew, OverflowDropOldest)
	}
	if c.Broker.KeepAliveMonitorInterval < 10*time.Millisecond {
		return fmt.Errorf("broker.keep_alive_monitor_interval must be at least 10ms")
	}
	if c.Broker.SessionExpiryCheckInterval < time.Second {
		return fmt.Errorf("broker.session_expiry_check_interval must be at least 1 second")
	}
	if c.Broker.SysInterval < 0 {
		return fmt.Errorf("broker.sys_interval cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}
	validCompression := map[string]bool{"": true, "none": true, "s2": true, "zstd": true}
	if !validCompression[c.Storage.Compression] {
		return fmt.Errorf("storage.compression must be one of: none, s2, zstd")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Message.Enabled && (c.RateLimit.Message.Rate <= 0 || c.RateLimit.Message.Burst < 1) {
			return fmt.Errorf("ratelimit.message requires a positive rate and burst")
		}
		if c.RateLimit.Subscribe.Enabled && (c.RateLimit.Subscribe.Rate <= 0 || c.RateLimit.Subscribe.Burst < 1) {
			return fmt.Errorf("ratelimit.subscribe requires a positive rate and burst")
		}
	}

	if c.Otel.MetricsEnabled || c.Otel.TracesEnabled {
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service_name cannot be empty when telemetry is enabled")
		}
		if c.Otel.Endpoint == "" {
			return fmt.Errorf("otel.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Otel.TraceSampleRate < 0.0 || c.Otel.TraceSampleRate > 1.0 {
			return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	// Webhook validation (only if enabled)
	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}
		if c.Webhook.BatchInterval > 0 && c.Webhook.BatchSize < 1 {
			return fmt.Errorf("webhook.batch_size must be at least 1 when batching is enabled")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
