package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/showcase/core"
	"pkt.systems/showcase/internal/appconfig"
	"pkt.systems/showcase/internal/memspawner"
	"pkt.systems/showcase/internal/persist"
	"pkt.systems/showcase/internal/pgstore"
	"pkt.systems/showcase/internal/presets"
	"pkt.systems/showcase/internal/spawnergrpc"
	"pkt.systems/showcase/schema"
	"pkt.systems/pslog"
)

func noopClose() error { return nil }

// openStore opens the configured dashboard store.
func openStore(ctx context.Context, cfg appconfig.StoreConfig, logger pslog.Logger) (core.DashboardStore, func() error, error) {
	switch cfg.Driver {
	case appconfig.StoreFile:
		store, err := persist.NewStoreWithLogger(cfg.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("store selected", "driver", cfg.Driver, "path", cfg.Path)
		return store, noopClose, nil
	case appconfig.StorePostgres:
		store, err := pgstore.Open(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		if cfg.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, nil, err
			}
		}
		logger.Info("store selected", "driver", cfg.Driver, "ensure_schema", cfg.EnsureSchema)
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store.driver %q", cfg.Driver)
	}
}

// openPresets loads presentation presets, or contributes nothing when unset.
func openPresets(cfg appconfig.PresetsConfig, logger pslog.Logger) (core.OptionsProvider, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return core.NoOptions{}, nil
	}
	var opts []presets.Option
	if cfg.Strict {
		opts = append(opts, presets.Strict())
	}
	provider, err := presets.Load(cfg.Path, opts...)
	if err != nil {
		return nil, err
	}
	logger.Info("presets loaded", "path", cfg.Path, "types", provider.Types(), "strict", cfg.Strict)
	return provider, nil
}

// openSpawner builds the spawner the orchestrator drives.
func openSpawner(ctx context.Context, cfg appconfig.Config, seeds []slotSeed, logger pslog.Logger) (core.Spawner, func() error, error) {
	switch cfg.Spawner.Backend {
	case appconfig.SpawnerMemory:
		spawner := memspawner.New(
			memspawner.WithStartDelay(time.Duration(cfg.Spawner.StartDelayMillis)*time.Millisecond),
			memspawner.WithLogger(logger),
		)
		for _, seed := range seeds {
			spawner.Seed(seed.Owner, seed.Name)
		}
		logger.Info("spawner selected", "backend", cfg.Spawner.Backend, "seeds", len(seeds))
		return spawner, noopClose, nil
	case appconfig.SpawnerContainerd:
		return openContainerSpawner(ctx, cfg, logger)
	case appconfig.SpawnerGRPC:
		client, err := dialSpawner(ctx, cfg.Spawner)
		if err != nil {
			return nil, nil, err
		}
		keepCtx, cancel := context.WithCancel(ctx)
		go client.Keepalive(keepCtx, time.Duration(cfg.Spawner.KeepaliveIntervalSeconds)*time.Second)
		logger.Info("spawner selected", "backend", cfg.Spawner.Backend, "socket", cfg.Spawner.SocketPath, "address", cfg.Spawner.Address)
		return client, func() error {
			cancel()
			return client.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported spawner.backend %q", cfg.Spawner.Backend)
	}
}

func dialSpawner(ctx context.Context, cfg appconfig.SpawnerConfig) (*spawnergrpc.Client, error) {
	if strings.TrimSpace(cfg.Address) != "" {
		return spawnergrpc.DialTCP(ctx, cfg.Address)
	}
	if strings.TrimSpace(cfg.SocketPath) == "" {
		return nil, errors.New("spawner.socket_path or spawner.address is required for the grpc backend")
	}
	return spawnergrpc.Dial(ctx, cfg.SocketPath)
}

// slotSeed pre-registers a dormant slot in the memory spawner.
type slotSeed struct {
	Owner schema.UserID
	Name  schema.ProcessName
}

func parseSeeds(values []string) ([]slotSeed, error) {
	out := make([]slotSeed, 0, len(values))
	for _, value := range values {
		owner, name, ok := strings.Cut(strings.TrimSpace(value), "/")
		if !ok || strings.TrimSpace(owner) == "" || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid seed %q; expected owner/name", value)
		}
		userID := schema.UserID(strings.TrimSpace(owner))
		if err := schema.ValidateUserID(userID); err != nil {
			return nil, fmt.Errorf("invalid seed %q: %w", value, err)
		}
		out = append(out, slotSeed{Owner: userID, Name: schema.ProcessName(strings.TrimSpace(name))})
	}
	return out, nil
}
