package shipohoy

import (
	"context"
	"errors"
	"strings"

	"pkt.systems/pslog"
)

// Yard manages a set of containers using a runtime backend.
// Names passed to a Yard are unprefixed; the plan prefix is applied on the way down.
type Yard struct {
	runtime Runtime
	plan    YardPlan
}

// Commission creates a new yard with the given plan.
func Commission(plan YardPlan, runtime Runtime) *Yard {
	return &Yard{runtime: runtime, plan: plan}
}

// ContainerName returns the runtime name for a yard-local name.
func (y *Yard) ContainerName(name string) string {
	return y.plan.NamePrefix + name
}

// ShipOut ensures the container is running.
func (y *Yard) ShipOut(ctx context.Context, spec ContainerSpec) (Handle, error) {
	if y == nil || y.runtime == nil {
		return nil, errors.New("yard runtime not configured")
	}
	merged := mergeSpec(spec, y.plan)
	log := pslog.Ctx(ctx).With("container", merged.Name)
	log.Info("yard ship out start")
	if err := y.runtime.EnsureImage(ctx, merged.Image); err != nil {
		log.Warn("yard ship out failed", "err", err)
		return nil, err
	}
	handle, err := y.runtime.EnsureRunning(ctx, merged)
	if err != nil {
		log.Warn("yard ship out failed", "err", err)
		return nil, err
	}
	log.Info("yard ship out ok")
	return handle, nil
}

// Inspect reports the status of a yard container.
func (y *Yard) Inspect(ctx context.Context, name string) (ContainerStatus, error) {
	return y.runtime.Status(ctx, y.ContainerName(name))
}

// Manifest lists the yard's containers. Names are returned without the plan prefix.
func (y *Yard) Manifest(ctx context.Context, selector map[string]string) ([]ContainerInfo, error) {
	merged := make(map[string]string, len(y.plan.Labels)+len(selector))
	for k, v := range y.plan.Labels {
		merged[k] = v
	}
	for k, v := range selector {
		merged[k] = v
	}
	infos, err := y.runtime.List(ctx, merged)
	if err != nil {
		return nil, err
	}
	out := make([]ContainerInfo, 0, len(infos))
	for _, info := range infos {
		if y.plan.NamePrefix != "" {
			if !strings.HasPrefix(info.Name, y.plan.NamePrefix) {
				continue
			}
			info.Name = strings.TrimPrefix(info.Name, y.plan.NamePrefix)
		}
		out = append(out, info)
	}
	return out, nil
}

// Discharge stops and removes a yard container.
func (y *Yard) Discharge(ctx context.Context, name string) error {
	if y == nil || y.runtime == nil {
		return errors.New("yard runtime not configured")
	}
	container := y.ContainerName(name)
	grace := y.plan.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	log := pslog.Ctx(ctx).With("container", container)
	log.Info("yard discharge start", "grace", grace)
	if err := y.runtime.Remove(ctx, container, grace); err != nil {
		log.Warn("yard discharge failed", "err", err)
		return err
	}
	log.Info("yard discharge ok")
	return nil
}

// WaitForPort waits for the container's port to accept connections.
func (y *Yard) WaitForPort(ctx context.Context, handle Handle, spec WaitPortSpec) error {
	return y.runtime.WaitForPort(ctx, handle, spec)
}

// TailLogs returns recent output of a yard container.
func (y *Yard) TailLogs(ctx context.Context, name string, limit int) ([]string, []string, error) {
	return y.runtime.TailLogs(ctx, NamedHandle(y.ContainerName(name)), limit)
}
