// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/mqttengine/server/tcp"
	"github.com/absmach/mqttengine/transport"
	"github.com/gorilla/websocket"
)

// subprotocols offered to clients; MQTT over WebSocket requires "mqtt".
var subprotocols = []string{"mqtt", "mqttv3.1"}

// Config holds the WebSocket server configuration.
type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	Limiter         tcp.ConnLimiter // nil accepts every connection
}

// Server upgrades HTTP requests on Path and hands the resulting connections
// to a handler.
type Server struct {
	config   Config
	handler  tcp.Handler
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
	baseCtx  context.Context
	cancel   context.CancelFunc
}

// New creates a WebSocket server.
func New(cfg Config, h tcp.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/mqtt"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		handler: h,
		logger:  logger,
		upgrader: websocket.Upgrader{
			Subprotocols: subprotocols,
			CheckOrigin:  func(*http.Request) bool { return true },
		},
		baseCtx: ctx,
		cancel:  cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler serving upgrades, for embedding in an
// existing server.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Listen serves until ctx is cancelled, then shuts the HTTP server down and
// cancels the connections still open after ShutdownTimeout.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket server started",
		slog.String("address", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.cancel()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutdown signal received, stopping websocket server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	// Hijacked connections are not tracked by Shutdown.
	err := s.server.Shutdown(shutdownCtx)
	s.cancel()
	if err != nil {
		s.logger.Error("websocket server shutdown failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.config.Limiter != nil && !s.config.Limiter.Allow(remoteAddr(r.RemoteAddr)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	s.logger.Debug("websocket connection accepted", slog.String("remote", r.RemoteAddr))
	s.handler.HandleConnection(s.baseCtx, transport.NewWebSocket(ws))
}

type stringAddr string

func (a stringAddr) Network() string { return "tcp" }
func (a stringAddr) String() string  { return string(a) }

func remoteAddr(s string) net.Addr {
	if addr, err := net.ResolveTCPAddr("tcp", s); err == nil {
		return addr
	}
	return stringAddr(s)
}
