package main

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/showcase/internal/appconfig"
	"pkt.systems/showcase/internal/containerspawner"
	"pkt.systems/showcase/internal/shipohoy"
	"pkt.systems/showcase/internal/shipohoy/containerd"
	"pkt.systems/pslog"
)

// openYard connects to containerd and commissions the dashboard yard.
func openYard(ctx context.Context, cfg appconfig.Config) (*shipohoy.Yard, func() error, error) {
	rt, err := containerd.New(ctx, containerd.Config{
		Address:     cfg.Spawner.Containerd.Address,
		Namespace:   cfg.Spawner.Containerd.Namespace,
		PullTimeout: time.Duration(cfg.Spawner.PullTimeout) * time.Minute,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("containerd connection failed (%s): %w", cfg.Spawner.Containerd.Address, err)
	}
	yard := shipohoy.Commission(shipohoy.YardPlan{
		NamePrefix: cfg.Spawner.NamePrefix,
		Env:        cfg.Spawner.Env,
		Labels:     map[string]string{"showcase.managed": "true"},
		StopGrace:  time.Duration(cfg.Spawner.StopGraceSeconds) * time.Second,
	}, rt)
	return yard, rt.Close, nil
}

func containerSpawnerConfig(cfg appconfig.SpawnerConfig) containerspawner.Config {
	return containerspawner.Config{
		Image:          cfg.Image,
		Command:        append([]string(nil), cfg.Command...),
		Port:           cfg.Port,
		ReadyTimeout:   time.Duration(cfg.ReadyTimeoutSeconds) * time.Second,
		HostNetwork:    cfg.HostNetwork,
		LogBufferBytes: cfg.LogBufferBytes,
		Limits: containerspawner.Limits{
			CPUPercent:    cfg.Limits.CPUPercent,
			MemoryPercent: cfg.Limits.MemoryPercent,
		},
	}
}

func openContainerSpawner(ctx context.Context, cfg appconfig.Config, logger pslog.Logger) (*containerspawner.Spawner, func() error, error) {
	logger.Info("spawner runtime selected", "runtime", "containerd", "address", cfg.Spawner.Containerd.Address, "namespace", cfg.Spawner.Containerd.Namespace)
	yard, closeFn, err := openYard(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	spawner, err := containerspawner.New(yard, containerSpawnerConfig(cfg.Spawner), logger)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return spawner, closeFn, nil
}
