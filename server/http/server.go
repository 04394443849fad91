// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http exposes health probes, broker statistics, the session
// management surface and an HTTP-to-MQTT publish bridge.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/mqttengine/broker"
	"github.com/absmach/mqttengine/packets"
	"github.com/absmach/mqttengine/session"
	"github.com/absmach/mqttengine/storage"
	"github.com/absmach/mqttengine/topics"
)

// Broker is the part of the broker served over HTTP.
type Broker interface {
	Closed() bool
	Stats() *broker.Stats
	GetSessions() []session.Info
	GetClients() []broker.ClientInfo
	DeleteSession(clientID string) error
	Subscribe(ctx context.Context, clientID string, subs ...packets.Subscription) ([]packets.ReasonCode, error)
	Unsubscribe(ctx context.Context, clientID string, filters ...string) ([]packets.ReasonCode, error)
	DispatchApplicationMessage(ctx context.Context, senderID string, msg *storage.Message) broker.DispatchResult
}

// Config holds the HTTP server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server is the administrative HTTP server.
type Server struct {
	config Config
	broker Broker
	logger *slog.Logger
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates the server and registers its routes.
func New(cfg Config, b Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		config: cfg,
		broker: b,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /clients", s.handleClients)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/subscriptions", s.handleSubscribe)
	mux.HandleFunc("DELETE /sessions/{id}/subscriptions", s.handleUnsubscribe)
	mux.HandleFunc("POST /publish", s.handlePublish)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	return s
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listening address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("HTTP server started", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown failed", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("HTTP server stopped")
		return nil
	}
}

type statusResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.broker.Closed() {
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "not_ready", Details: "broker closed"})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ready"})
}

type statsResponse struct {
	UptimeSeconds       int64  `json:"uptime_seconds"`
	ClientsConnected    int64  `json:"clients_connected"`
	ClientsTotal        uint64 `json:"clients_total"`
	ClientsDisconnected uint64 `json:"clients_disconnected"`
	ClientsRejected     uint64 `json:"clients_rejected"`
	Sessions            int    `json:"sessions"`
	Subscriptions       int64  `json:"subscriptions"`
	RetainedMessages    int64  `json:"retained_messages"`
	PublishReceived     uint64 `json:"publish_received"`
	PublishSent         uint64 `json:"publish_sent"`
	MessagesDropped     uint64 `json:"messages_dropped"`
	MessagesUnrouted    uint64 `json:"messages_unrouted"`
	BytesReceived       uint64 `json:"bytes_received"`
	BytesSent           uint64 `json:"bytes_sent"`
	ProtocolErrors      uint64 `json:"protocol_errors"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	st := s.broker.Stats()
	writeJSON(w, http.StatusOK, statsResponse{
		UptimeSeconds:       int64(st.GetUptime().Seconds()),
		ClientsConnected:    st.GetCurrentConnections(),
		ClientsTotal:        st.GetTotalConnections(),
		ClientsDisconnected: st.GetDisconnections(),
		ClientsRejected:     st.GetRejectedConnections(),
		Sessions:            len(s.broker.GetSessions()),
		Subscriptions:       st.GetSubscriptions(),
		RetainedMessages:    st.GetRetainedMessages(),
		PublishReceived:     st.GetPublishReceived(),
		PublishSent:         st.GetPublishSent(),
		MessagesDropped:     st.GetMessagesDropped(),
		MessagesUnrouted:    st.GetMessagesUnrouted(),
		BytesReceived:       st.GetBytesReceived(),
		BytesSent:           st.GetBytesSent(),
		ProtocolErrors:      st.GetProtocolErrors(),
	})
}

type clientResponse struct {
	ID              string    `json:"id"`
	Endpoint        string    `json:"endpoint"`
	ProtocolVersion byte      `json:"protocol_version"`
	KeepAlive       int64     `json:"keep_alive_seconds"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastReceivedAt  time.Time `json:"last_received_at"`
	LastSentAt      time.Time `json:"last_sent_at"`
	PacketsReceived uint64    `json:"packets_received"`
	PacketsSent     uint64    `json:"packets_sent"`
	PendingMessages int       `json:"pending_messages"`
}

func (s *Server) handleClients(w http.ResponseWriter, _ *http.Request) {
	clients := s.broker.GetClients()
	resp := make([]clientResponse, 0, len(clients))
	for _, c := range clients {
		resp = append(resp, clientResponse{
			ID:              c.ID,
			Endpoint:        c.Endpoint,
			ProtocolVersion: c.ProtocolVersion,
			KeepAlive:       int64(c.KeepAlive.Seconds()),
			ConnectedAt:     c.ConnectedAt,
			LastReceivedAt:  c.LastPacketReceivedAt,
			LastSentAt:      c.LastPacketSentAt,
			PacketsReceived: c.PacketsReceived,
			PacketsSent:     c.PacketsSent,
			PendingMessages: c.PendingMessages,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type subscriptionResponse struct {
	Topic             string `json:"topic"`
	QoS               byte   `json:"qos"`
	NoLocal           bool   `json:"no_local,omitempty"`
	RetainAsPublished bool   `json:"retain_as_published,omitempty"`
}

type sessionResponse struct {
	ID              string                 `json:"id"`
	CreatedAt       time.Time              `json:"created_at"`
	DisconnectedAt  *time.Time             `json:"disconnected_at,omitempty"`
	ExpiryInterval  uint32                 `json:"expiry_interval"`
	Subscriptions   []subscriptionResponse `json:"subscriptions"`
	PendingMessages int                    `json:"pending_messages"`
	Unacknowledged  int                    `json:"unacknowledged"`
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	infos := s.broker.GetSessions()
	resp := make([]sessionResponse, 0, len(infos))
	for _, info := range infos {
		sr := sessionResponse{
			ID:              info.ID,
			CreatedAt:       info.CreatedAt,
			ExpiryInterval:  info.ExpiryInterval,
			Subscriptions:   make([]subscriptionResponse, 0, len(info.Subscriptions)),
			PendingMessages: info.PendingMessages,
			Unacknowledged:  info.Unacknowledged,
		}
		if !info.DisconnectedAt.IsZero() {
			at := info.DisconnectedAt
			sr.DisconnectedAt = &at
		}
		for _, sub := range info.Subscriptions {
			sr.Subscriptions = append(sr.Subscriptions, subscriptionResponse{
				Topic:             sub.Topic,
				QoS:               sub.QoS,
				NoLocal:           sub.NoLocal,
				RetainAsPublished: sub.RetainAsPublished,
			})
		}
		resp = append(resp, sr)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.broker.DeleteSession(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("session deleted over HTTP", slog.String("client_id", id))
	w.WriteHeader(http.StatusNoContent)
}

type subscribeRequest struct {
	Subscriptions []subscriptionResponse `json:"subscriptions"`
}

type unsubscribeRequest struct {
	Topics []string `json:"topics"`
}

type reasonCodesResponse struct {
	ReasonCodes []packets.ReasonCode `json:"reason_codes"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Subscriptions) == 0 {
		http.Error(w, "subscriptions are required", http.StatusBadRequest)
		return
	}

	subs := make([]packets.Subscription, len(req.Subscriptions))
	for i, sub := range req.Subscriptions {
		subs[i] = packets.Subscription{
			Topic:             sub.Topic,
			QoS:               sub.QoS,
			NoLocal:           sub.NoLocal,
			RetainAsPublished: sub.RetainAsPublished,
		}
	}

	codes, err := s.broker.Subscribe(r.Context(), r.PathValue("id"), subs...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reasonCodesResponse{ReasonCodes: codes})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Topics) == 0 {
		http.Error(w, "topics are required", http.StatusBadRequest)
		return
	}

	codes, err := s.broker.Unsubscribe(r.Context(), r.PathValue("id"), req.Topics...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reasonCodesResponse{ReasonCodes: codes})
}

type publishRequest struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
	QoS     byte   `json:"qos"`
	Retain  bool   `json:"retain"`
}

type publishResponse struct {
	Matched    int                `json:"matched"`
	Delivered  int                `json:"delivered"`
	ReasonCode packets.ReasonCode `json:"reason_code"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("invalid HTTP publish request", slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if err := topics.ValidateTopicName(req.Topic); err != nil {
		http.Error(w, fmt.Sprintf("invalid topic: %v", err), http.StatusBadRequest)
		return
	}
	if req.QoS > 2 {
		http.Error(w, "qos must be 0, 1, or 2", http.StatusBadRequest)
		return
	}

	msg := &storage.Message{
		PublishTime: time.Now(),
		Topic:       req.Topic,
		Payload:     req.Payload,
		QoS:         req.QoS,
		Retain:      req.Retain,
	}

	s.logger.Debug("HTTP publish",
		slog.String("topic", req.Topic),
		slog.Int("qos", int(req.QoS)),
		slog.Int("payload_size", len(req.Payload)))

	res := s.broker.DispatchApplicationMessage(r.Context(), "", msg)
	status := http.StatusOK
	if res.ReasonCode.IsError() {
		status = http.StatusForbidden
	}
	writeJSON(w, status, publishResponse{
		Matched:    res.Matched,
		Delivered:  res.Delivered,
		ReasonCode: res.ReasonCode,
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, broker.ErrSessionNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.logger.Error("HTTP request failed", slog.String("error", err.Error()))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
