package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/showcase/internal/appconfig"
	"pkt.systems/showcase/schema"
	"pkt.systems/pslog"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var user string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run showcase diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("doctor start", "config", configPath)

			serviceCfg, err := cfg.CoreConfig()
			if err != nil {
				return fmt.Errorf("doctor service config: %w", err)
			}
			if !serviceCfg.AllowNamedBackends {
				logger.Warn("doctor named backends disabled; every build will fail")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			store, closeStore, err := openStore(ctx, cfg.Store, logger)
			if err != nil {
				return fmt.Errorf("doctor store: %w", err)
			}
			defer func() { _ = closeStore() }()
			dashboards, err := store.List(ctx)
			if err != nil {
				return fmt.Errorf("doctor store list: %w", err)
			}
			logger.Info("doctor store ok", "driver", cfg.Store.Driver, "dashboards", len(dashboards))

			if _, err := openPresets(cfg.Presets, logger); err != nil {
				return fmt.Errorf("doctor presets: %w", err)
			}
			logger.Info("doctor presets ok", "path", cfg.Presets.Path)

			if cfg.Spawner.Backend == appconfig.SpawnerGRPC {
				if err := pingSpawner(ctx, cfg.Spawner); err != nil {
					return fmt.Errorf("doctor spawner ping: %w", err)
				}
				logger.Info("doctor spawner ping ok")
			}
			spawner, closeSpawner, err := openSpawner(ctx, cfg, nil, logger)
			if err != nil {
				return fmt.Errorf("doctor spawner: %w", err)
			}
			defer func() { _ = closeSpawner() }()
			userID := schema.UserID(user)
			if err := schema.ValidateUserID(userID); err != nil {
				return fmt.Errorf("doctor user: %w", err)
			}
			sources, err := spawner.ListSources(ctx, userID)
			if err != nil {
				return fmt.Errorf("doctor spawner sources: %w", err)
			}
			logger.Info("doctor spawner ok", "backend", cfg.Spawner.Backend, "user", userID, "sources", len(sources))
			logger.Info("doctor complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&user, "user", "doctor", "user whose sources are listed")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall diagnostics timeout")
	return cmd
}

func pingSpawner(ctx context.Context, cfg appconfig.SpawnerConfig) error {
	client, err := dialSpawner(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return client.Ping(pingCtx)
}
