package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/showcase"
	"pkt.systems/showcase/core"
	"pkt.systems/showcase/httpapi"
	"pkt.systems/showcase/internal/appconfig"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var addr string
	var backend string
	var seedValues []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard orchestrator and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			if backend != "" {
				cfg.Spawner.Backend = backend
				if err := appconfig.Validate(cfg); err != nil {
					return err
				}
			}
			seeds, err := parseSeeds(seedValues)
			if err != nil {
				return err
			}
			serviceCfg, err := cfg.CoreConfig()
			if err != nil {
				return err
			}

			store, closeStore, err := openStore(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			options, err := openPresets(cfg.Presets, logger)
			if err != nil {
				return err
			}

			spawner, closeSpawner, err := openSpawner(cmd.Context(), cfg, seeds, logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeSpawner() }()

			server, err := showcase.New(showcase.ServerConfig{
				Service: serviceCfg,
				HTTP:    toHTTPConfig(cfg.HTTP),
			}, showcase.ServerDeps{
				ServiceDeps: core.ServiceDeps{
					Spawner: spawner,
					Store:   store,
					Options: options,
					Logger:  logger,
				},
			}, showcase.WithHTTP())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			logger.Info("serve config loaded",
				"store", cfg.Store.Driver,
				"spawner", cfg.Spawner.Backend,
				"named_backends", serviceCfg.AllowNamedBackends,
				"start_timeout", serviceCfg.StartTimeout,
			)
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&backend, "spawner", "", "spawner backend: memory, containerd or grpc (overrides config)")
	cmd.Flags().StringArrayVar(&seedValues, "seed", nil, "seed a memory spawner slot as owner/name (repeatable)")
	return cmd
}

func toHTTPConfig(cfg appconfig.HTTPConfig) httpapi.Config {
	return httpapi.Config{
		Addr:         cfg.Addr,
		BaseURL:      cfg.BaseURL,
		BasePath:     cfg.BasePath,
		UserHeader:   cfg.UserHeader,
		EventHistory: cfg.EventHistory,
	}
}
