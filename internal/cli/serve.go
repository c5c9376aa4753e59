package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chainstream/internal/config"
	apperrors "chainstream/internal/errors"
	"chainstream/internal/resilience"
	"chainstream/internal/settings"
	"chainstream/internal/shard"
	"chainstream/internal/stream"
)

const (
	serverShutdownTimeout = 5 * time.Second
	healthCheckTimeout    = 3 * time.Second
)

func newServeCmd(app *App) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Stream the option chain to WebSocket clients",
		Long: `Start the streamer. With shard.groups configured, one worker process is
spawned per group and their chains are merged; otherwise a single
in-process pipeline serves every configured underlying.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				app.Config.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, app)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// runServe starts the chain source, the hub and the HTTP server and blocks
// until ctx is cancelled or a component fails.
func runServe(ctx context.Context, app *App) error {
	cfg := app.Config
	logger := app.Logger

	if err := cfg.RequireCredentials(); err != nil {
		return err
	}

	st, err := app.openStore()
	if err != nil {
		return apperrors.NewConfigurationError("store", "opening "+cfg.Store.Path, err)
	}
	defer st.Close()

	health := resilience.NewHealthMonitor(healthCheckTimeout, logger)
	health.RegisterComponent("store", resilience.DatabaseHealthCheck(st.Ping))

	var (
		source stream.Source
		cache  *settings.Cache
		run    func(context.Context) error
	)

	if cfg.IsSharded() {
		cache = settings.NewCache(st, cfg.Settings.RefreshInterval, logger)
		if err := cache.Refresh(ctx); err != nil {
			return apperrors.NewConfigurationError("settings", "initial load", err)
		}
		coordinator, err := newCoordinator(cfg, app.ConfigDir, logger)
		if err != nil {
			return err
		}
		source = coordinator
		run = func(ctx context.Context) error {
			defer coordinator.Shutdown()
			if err := coordinator.Start(ctx); err != nil {
				return err
			}
			return coordinator.Run(ctx)
		}
	} else {
		symbols := cfg.Underlyings.Symbols
		instruments, cal, c, err := loadReference(ctx, cfg, st, symbols, logger)
		if err != nil {
			return err
		}
		cache = c
		p := newPipeline(cfg, symbols, instruments, cal, cache, logger)
		p.registerHealth(health)
		source = p.engine
		run = p.Run
	}

	hubCfg := stream.DefaultHubConfig()
	if cfg.Server.ClientBuffer > 0 {
		hubCfg.ClientBufferSize = cfg.Server.ClientBuffer
	}
	hubCfg.FilterSellValue = cfg.Server.FilterSellValue
	hub := stream.NewHub(hubCfg, source, st, cache, logger)
	health.RegisterComponent("chain", resilience.ReadinessHealthCheck(source.Ready()))
	server := stream.NewServer(cfg.Server.Addr, hub, logger)
	server.HandleGet("/health", health.HealthHTTPHandler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return run(gctx)
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(server.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil {
		logger.Error().Err(err).Bool("fatal", apperrors.IsFatal(err)).Msg("Streamer stopped")
		return err
	}
	logger.Info().Msg("Streamer stopped")
	return nil
}

func newCoordinator(cfg *config.Config, configDir string, logger zerolog.Logger) (*shard.Coordinator, error) {
	var args []string
	if configDir != "" {
		args = append(args, "--config", configDir)
	}
	spawner, err := shard.NewExecSpawner(cfg.Shard.Executable, args...)
	if err != nil {
		return nil, err
	}

	shardCfg := shard.DefaultConfig()
	shardCfg.Groups = cfg.Shard.Groups
	if cfg.Shard.ReadyTimeout > 0 {
		shardCfg.ReadyTimeout = cfg.Shard.ReadyTimeout
	}
	if cfg.Shard.AggregateInterval > 0 {
		shardCfg.AggregateInterval = cfg.Shard.AggregateInterval
	}
	if cfg.Shard.ShutdownGrace > 0 {
		shardCfg.ShutdownGrace = cfg.Shard.ShutdownGrace
	}
	return shard.NewCoordinator(shardCfg, spawner, logger), nil
}
