package containerd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"syscall"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/containers"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	"github.com/opencontainers/runtime-spec/specs-go"

	"pkt.systems/showcase/internal/shipohoy"
)

const cpuPeriod = uint64(100000)

type handle struct {
	name string
	id   string
}

func (h *handle) Name() string { return h.name }
func (h *handle) ID() string   { return h.id }

// EnsureRunning creates the container on first use and (re)starts its task.
// An existing container keeps the spec it was created with.
func (r *Runtime) EnsureRunning(ctx context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	if blank(spec.Name) {
		return nil, errors.New("container name is required")
	}
	if blank(spec.Image) {
		return nil, errors.New("container image is required")
	}
	log := r.logger(ctx).With("container", spec.Name)
	ctx = r.withNamespace(ctx)

	container, err := r.client.LoadContainer(ctx, spec.Name)
	if errdefs.IsNotFound(err) {
		container, err = r.create(ctx, spec)
	}
	if err != nil {
		log.Warn("containerd ensure running failed", "stage", "container", "err", err)
		return nil, err
	}
	if err := r.startTask(ctx, container, spec.LogBufferBytes); err != nil {
		log.Warn("containerd ensure running failed", "stage", "task", "err", err)
		return nil, err
	}
	log.Info("containerd ensure running ok", "id", container.ID())
	return &handle{name: spec.Name, id: container.ID()}, nil
}

func (r *Runtime) create(ctx context.Context, spec shipohoy.ContainerSpec) (containerd.Container, error) {
	image, err := r.image(ctx, spec.Image, spec.Snapshotter)
	if err != nil {
		return nil, err
	}
	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[labelManaged] = "true"

	opts := []containerd.NewContainerOpts{
		containerd.WithImage(image),
		containerd.WithContainerLabels(labels),
	}
	if !blank(spec.Snapshotter) {
		opts = append(opts, containerd.WithSnapshotter(spec.Snapshotter))
	}
	opts = append(opts,
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(append([]oci.SpecOpts{oci.WithImageConfig(image)}, specOptions(spec)...)...),
	)
	container, err := r.client.NewContainer(ctx, spec.Name, opts...)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	r.logger(ctx).Info("containerd container created", "container", spec.Name, "image", spec.Image)
	return container, nil
}

// startTask brings the container task to running. Exited tasks cannot be
// restarted, so they are deleted and recreated with fresh log streams.
func (r *Runtime) startTask(ctx context.Context, container containerd.Container, logBytes int) error {
	task, err := container.Task(ctx, nil)
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	if task != nil {
		status, err := task.Status(ctx)
		if err != nil {
			return err
		}
		switch status.Status {
		case containerd.Running:
			return nil
		case containerd.Paused, containerd.Pausing:
			return task.Resume(ctx)
		case containerd.Created:
			return task.Start(ctx)
		}
		if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("delete exited task: %w", err)
		}
	}

	capture := r.resetLogCapture(container.ID(), logBytes)
	task, err = container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, capture.stdout, capture.stderr)))
	if err != nil {
		return err
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		return err
	}
	return nil
}

// Remove sends SIGTERM, waits up to grace for the task to exit, then kills
// what is left and deletes the container with its snapshot.
func (r *Runtime) Remove(ctx context.Context, name string, grace time.Duration) error {
	log := r.logger(ctx).With("container", name)
	ctx = r.withNamespace(ctx)
	container, err := r.client.LoadContainer(ctx, name)
	if errdefs.IsNotFound(err) {
		log.Debug("containerd remove skipped", "reason", "not found")
		r.dropLogCapture(name)
		return nil
	}
	if err != nil {
		log.Warn("containerd remove failed", "err", err)
		return err
	}
	if err := stopTask(ctx, container, grace); err != nil {
		log.Warn("containerd remove failed", "stage", "task", "err", err)
		return err
	}
	err = container.Delete(ctx, containerd.WithSnapshotCleanup)
	r.dropLogCapture(name)
	if err != nil && !errdefs.IsNotFound(err) {
		log.Warn("containerd remove failed", "stage", "container", "err", err)
		return err
	}
	log.Info("containerd remove ok")
	return nil
}

func stopTask(ctx context.Context, container containerd.Container, grace time.Duration) error {
	task, err := container.Task(ctx, nil)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	status, err := task.Status(ctx)
	if err != nil {
		return err
	}
	if status.Status != containerd.Stopped {
		exited, err := task.Wait(ctx)
		if err != nil {
			return err
		}
		if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-exited:
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func specOptions(spec shipohoy.ContainerSpec) []oci.SpecOpts {
	opts := []oci.SpecOpts{oci.WithEnv(flattenEnv(spec.Env))}
	if spec.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkingDir))
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if spec.HostNetwork {
		opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace), oci.WithHostResolvconf, oci.WithHostHostsFile)
	}
	if spec.ResourceCaps != nil {
		opts = append(opts, withResources(*spec.ResourceCaps))
	}
	return opts
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// withResources maps the caps onto cgroup limits. CPU is expressed as a CFS
// quota over a 100ms period.
func withResources(caps shipohoy.ResourceCaps) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, spec *specs.Spec) error {
		if caps.MemoryBytes <= 0 && caps.NanoCPUs <= 0 {
			return nil
		}
		if spec.Linux == nil {
			spec.Linux = &specs.Linux{}
		}
		if spec.Linux.Resources == nil {
			spec.Linux.Resources = &specs.LinuxResources{}
		}
		resources := spec.Linux.Resources
		if caps.MemoryBytes > 0 {
			limit := caps.MemoryBytes
			resources.Memory = &specs.LinuxMemory{Limit: &limit}
		}
		if caps.NanoCPUs > 0 {
			period := cpuPeriod
			quota := caps.NanoCPUs * int64(period) / int64(time.Second)
			resources.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}
		}
		return nil
	}
}
