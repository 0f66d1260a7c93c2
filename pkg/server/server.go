// Package server exposes the control plane over HTTP: the instrument
// submission API, the agent bridge socket, the subscriber socket, metrics
// and health.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/liveprobe/liveprobe/pkg/auth"
	"github.com/liveprobe/liveprobe/pkg/bridge"
	"github.com/liveprobe/liveprobe/pkg/config"
	"github.com/liveprobe/liveprobe/pkg/registry"
	"github.com/liveprobe/liveprobe/pkg/stores"
	"github.com/liveprobe/liveprobe/pkg/telemetry"
)

// Deps holds the collaborators the server routes to.
type Deps struct {
	Config   config.ServerConfig
	Registry *registry.Registry
	// Bridge serves /bridge and the agents listing. Optional.
	Bridge *bridge.Bridge
	// Subscriptions serves /subscribe. Optional.
	Subscriptions http.Handler
	// Store backs /healthz. Optional.
	Store   stores.Store
	Metrics *telemetry.Metrics
	// Tracer opens a span per request. Optional.
	Tracer *telemetry.Tracer
	// JWT validates API bearer tokens. Nil disables API authentication.
	JWT    *auth.JWTManager
	Logger zerolog.Logger
}

// Server is the control plane HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler

	registry *registry.Registry
	bridge   *bridge.Bridge
	store    stores.Store
	logger   zerolog.Logger
	shutdown time.Duration
}

// New builds the server and its routes.
func New(d Deps) (*Server, error) {
	if d.Registry == nil {
		return nil, errors.New("server: registry is required")
	}
	if d.Config.Addr == "" {
		d.Config.Addr = ":8080"
	}
	if d.Config.ReadHeaderTimeout <= 0 {
		d.Config.ReadHeaderTimeout = 10 * time.Second
	}
	if d.Config.ShutdownTimeout <= 0 {
		d.Config.ShutdownTimeout = 15 * time.Second
	}

	s := &Server{
		registry: d.Registry,
		bridge:   d.Bridge,
		store:    d.Store,
		logger:   d.Logger.With().Str("component", "server").Logger(),
		shutdown: d.Config.ShutdownTimeout,
	}

	api := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(d.JWT, limitBody(d.Config.MaxBodyBytes, h))
	}

	mux := http.NewServeMux()

	// Instruments (authorization per action happens in the registry).
	mux.Handle("POST /api/v1/instruments", api(s.handleAddInstrument))
	mux.Handle("GET /api/v1/instruments", api(s.handleListInstruments))
	mux.Handle("DELETE /api/v1/instruments", api(s.handleRemoveAtLocation))
	mux.Handle("GET /api/v1/instruments/{id}", api(s.handleGetInstrument))
	mux.Handle("DELETE /api/v1/instruments/{id}", api(s.handleRemoveInstrument))

	// Connected agents.
	mux.Handle("GET /api/v1/agents", api(s.handleListAgents))

	// Agent bridge authenticates on its announcement frame.
	if d.Bridge != nil {
		mux.Handle("GET /bridge", d.Bridge)
	}

	// Subscriber socket (bearer or access_token).
	if d.Subscriptions != nil {
		mux.Handle("GET /subscribe", authMiddleware(d.JWT, d.Subscriptions))
	}

	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)

	var handler http.Handler = mux
	handler = recoveryMiddleware(s.logger, handler)
	handler = loggingMiddleware(s.logger, d.Metrics, handler)
	handler = tracingMiddleware(d.Tracer, handler)
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:              d.Config.Addr,
		Handler:           handler,
		ReadHeaderTimeout: d.Config.ReadHeaderTimeout,
	}
	return s, nil
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("http server shutting down")
	ctx, cancel := context.WithTimeout(ctx, s.shutdown)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Run starts the server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := s.Shutdown(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		return <-errCh
	}
}
