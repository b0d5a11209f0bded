// Package service wires the relay's components into a runnable server: the
// identity client, the authentication gateway, the connection manager, and
// the HTTP surfaces in front of them.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/gateway"
	"github.com/haasonsaas/relay/internal/identity"
	"github.com/haasonsaas/relay/internal/infra"
	"github.com/haasonsaas/relay/internal/observability"
)

// Server is the composed relay process.
type Server struct {
	config   *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	auth     *auth.Gateway
	manager  *gateway.Manager

	httpServer *http.Server
	startTime  time.Time
}

// New builds a server from validated configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Each server owns its registry so repeated construction in one
	// process never double-registers collectors.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetricsWith(registry)

	var client identity.Client
	if cfg.Identity.ValidateURL != "" {
		httpClient, err := identity.NewHTTPClient(cfg.Identity)
		if err != nil {
			return nil, fmt.Errorf("identity client: %w", err)
		}
		client = httpClient
	}

	authGateway := auth.NewGateway(client, cfg.Auth, logger)
	manager := gateway.NewManager(cfg.Gateway, logger, metrics)

	return &Server{
		config:   cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics,
		auth:     authGateway,
		manager:  manager,
	}, nil
}

// Manager exposes the connection manager so callers can install an inbound
// handler and push outbound messages.
func (s *Server) Manager() *gateway.Manager {
	return s.manager
}

// Start serves until the listener is closed via Stop. A nil error means a
// clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.startTime = time.Now()

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway.NewHandler(s.auth, s.manager, s.logger, s.metrics))
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/stats", s.handleStats)

	addr := s.config.Server.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("relay listening", "addr", addr)
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains connections and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.manager.Shutdown(ctx); err != nil {
		s.logger.Warn("connection drain incomplete", "error", err)
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	breaker := s.auth.Breaker().Stats()
	status := http.StatusOK
	if breaker.State == infra.CircuitOpen {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       http.StatusText(status),
		"auth_breaker": breaker.State,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"connections":    s.manager.Stats(),
		"auth_breaker":   s.auth.Breaker().Stats(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
