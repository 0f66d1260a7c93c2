package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/liveprobe/liveprobe/pkg/auth"
	"github.com/liveprobe/liveprobe/pkg/bridge"
	"github.com/liveprobe/liveprobe/pkg/config"
	"github.com/liveprobe/liveprobe/pkg/policy"
	"github.com/liveprobe/liveprobe/pkg/registry"
	"github.com/liveprobe/liveprobe/pkg/server"
	"github.com/liveprobe/liveprobe/pkg/stores"
	"github.com/liveprobe/liveprobe/pkg/subscription"
	"github.com/liveprobe/liveprobe/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long: `Run the control plane.

The server exposes:
  - /api/v1/instruments  instrument submission and removal
  - /api/v1/agents       connected agents
  - /bridge              agent websocket
  - /subscribe           subscriber websocket
  - /metrics, /healthz`,
		Example: `  # Start with defaults (in-memory store, no auth)
  liveprobe serve

  # Start from a config file on another port
  liveprobe serve --config liveprobe.yaml --addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	logger := tel.Logger.Zerolog()

	store, err := stores.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	defer store.Close()
	tel.Events.Subscribe(stores.AuditSubscriber(store, logger), nil)

	authz, err := newAuthorizer(ctx, cfg.Policy, logger, tel.Events)
	if err != nil {
		return err
	}

	var jwtMgr *auth.JWTManager
	if cfg.Auth.Enabled {
		jwtMgr, err = auth.NewJWTManager(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
	}

	bridgeOpts := bridge.Options{
		Config:  cfg.Bridge,
		Logger:  logger,
		Metrics: tel.Metrics,
		Tracer:  tel.Tracer,
	}
	if jwtMgr != nil {
		bridgeOpts.Auth = bridge.TokenAuthenticator{JWT: jwtMgr}
	}
	br, err := bridge.New(bridgeOpts)
	if err != nil {
		return err
	}
	defer br.Close()

	router := subscription.NewRouter(cfg.Subscriptions, logger, tel.Metrics)

	reg, err := registry.New(registry.Options{
		Config:     cfg.Registry,
		Store:      store,
		Transport:  br,
		Events:     router,
		Authorizer: authz,
		Audit:      tel.Events,
		Logger:     logger,
		Metrics:    tel.Metrics,
		Tracer:     tel.Tracer,
	})
	if err != nil {
		return err
	}
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("failed to load instruments: %w", err)
	}
	reg.Attach(br)

	srv, err := server.New(server.Deps{
		Config:        cfg.Server,
		Registry:      reg,
		Bridge:        br,
		Subscriptions: subscription.NewHandler(router, logger),
		Store:         store,
		Metrics:       tel.Metrics,
		Tracer:        tel.Tracer,
		JWT:           jwtMgr,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("addr", srv.Addr()).
		Str("store", cfg.Store.Driver).
		Bool("auth", cfg.Auth.Enabled).
		Int("instruments", reg.Len()).
		Msg("Starting control plane")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reg.Run(gctx)
		return nil
	})
	g.Go(func() error {
		router.Run(gctx)
		return nil
	})
	if cfg.Policy.Watch {
		watcher := policy.NewWatcher(authz, cfg.Policy.Paths, logger)
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error { return srv.Run(gctx) })

	err = g.Wait()
	log.Info().Msg("Control plane stopped")
	return err
}

// newAuthorizer starts from the built-in policies and replaces them with the
// configured policy files, if any.
func newAuthorizer(ctx context.Context, cfg config.PolicyConfig, logger zerolog.Logger, events *telemetry.EventPublisher) (*policy.Authorizer, error) {
	authz, err := policy.NewAuthorizer(ctx, logger, events)
	if err != nil {
		return nil, err
	}
	if len(cfg.Paths) == 0 {
		return authz, nil
	}
	if err := authz.LoadPaths(ctx, cfg.Paths); err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	return authz, nil
}
