package main

import (
	"errors"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/showcase/internal/appconfig"
	"pkt.systems/showcase/internal/spawnergrpc"
	"pkt.systems/pslog"
)

func newSpawnerCmd() *cobra.Command {
	var cfgPath string
	var socketPath string
	var address string
	var backend string
	var seedValues []string
	var idleExit bool
	var keepaliveInterval time.Duration
	var keepaliveMisses int
	cmd := &cobra.Command{
		Use:   "spawner",
		Short: "Start the spawner gRPC daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			grpcCfg, err := spawnerDaemonConfig(cfg.Spawner, socketPath, address, idleExit, keepaliveInterval, keepaliveMisses)
			if err != nil {
				return err
			}
			seeds, err := parseSeeds(seedValues)
			if err != nil {
				return err
			}
			// The daemon serves a local backend; it never proxies to another daemon.
			cfg.Spawner.Backend = daemonBackend(cfg.Spawner.Backend, backend)
			spawner, closeFn, err := openSpawner(cmd.Context(), cfg, seeds, logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()

			server := spawnergrpc.NewServer(grpcCfg, spawner)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger.Info("spawner config loaded",
				"backend", cfg.Spawner.Backend,
				"socket", grpcCfg.SocketPath,
				"address", grpcCfg.Address,
				"keepalive_interval", grpcCfg.KeepaliveInterval,
				"keepalive_misses", grpcCfg.KeepaliveMisses,
			)
			return server.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&socketPath, "socket-path", "", "spawner socket path (overrides config)")
	cmd.Flags().StringVar(&address, "address", "", "spawner TCP address (overrides config and socket)")
	cmd.Flags().StringVar(&backend, "backend", "", "local backend: memory or containerd (overrides config)")
	cmd.Flags().StringArrayVar(&seedValues, "seed", nil, "seed a memory spawner slot as owner/name (repeatable)")
	cmd.Flags().BoolVar(&idleExit, "idle-exit", false, "exit when the orchestrator stops pinging")
	cmd.Flags().DurationVar(&keepaliveInterval, "keepalive-interval", 0, "keepalive interval for --idle-exit (e.g. 10s)")
	cmd.Flags().IntVar(&keepaliveMisses, "keepalive-misses", 0, "missed keepalives before --idle-exit shuts down")
	return cmd
}

func spawnerDaemonConfig(cfg appconfig.SpawnerConfig, socketPath, address string, idleExit bool, interval time.Duration, misses int) (spawnergrpc.Config, error) {
	out := spawnergrpc.Config{
		SocketPath: cfg.SocketPath,
		Address:    cfg.Address,
	}
	if socketPath != "" {
		out.SocketPath = socketPath
		out.Address = ""
	}
	if address != "" {
		out.Address = address
	}
	if strings.TrimSpace(out.SocketPath) == "" && strings.TrimSpace(out.Address) == "" {
		return spawnergrpc.Config{}, errors.New("spawner socket path or address is required")
	}
	if !idleExit {
		return out, nil
	}
	out.KeepaliveInterval = time.Duration(cfg.KeepaliveIntervalSeconds) * time.Second
	out.KeepaliveMisses = cfg.KeepaliveMisses
	if interval > 0 {
		out.KeepaliveInterval = interval
	}
	if misses > 0 {
		out.KeepaliveMisses = misses
	}
	if out.KeepaliveInterval <= 0 {
		out.KeepaliveInterval = 10 * time.Second
	}
	if out.KeepaliveMisses <= 0 {
		out.KeepaliveMisses = 3
	}
	return out, nil
}

func daemonBackend(configured, override string) string {
	if override != "" {
		return override
	}
	if configured == appconfig.SpawnerGRPC || configured == "" {
		return appconfig.SpawnerContainerd
	}
	return configured
}
