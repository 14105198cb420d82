package containerd

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/errdefs"

	"pkt.systems/showcase/internal/shipohoy"
	"pkt.systems/pslog"
)

const (
	labelManaged = "showcase.managed"

	defaultNamespace      = "showcase"
	defaultPullTimeout    = 5 * time.Minute
	defaultLogBufferBytes = 64 * 1024
	defaultTailLines      = 50
)

// Config configures the containerd runtime.
type Config struct {
	Address     string
	Namespace   string
	PullTimeout time.Duration
}

// Runtime runs dashboard backends as containerd containers.
type Runtime struct {
	client      *containerd.Client
	namespace   string
	pullTimeout time.Duration

	logsMu sync.Mutex
	logs   map[string]*logCapture
}

// New connects to the first containerd socket that answers. The configured
// address is tried before the rootless and system default sockets.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "containerd")
	client, addr, err := dial(log, candidateAddresses(cfg.Address, "containerd"))
	if err != nil {
		log.Warn("containerd runtime unavailable", "err", err)
		return nil, err
	}
	rt := &Runtime{
		client:      client,
		namespace:   cfg.Namespace,
		pullTimeout: cfg.PullTimeout,
		logs:        make(map[string]*logCapture),
	}
	if rt.namespace == "" {
		rt.namespace = defaultNamespace
	}
	if rt.pullTimeout <= 0 {
		rt.pullTimeout = defaultPullTimeout
	}
	log.Info("containerd runtime ready", "address", addr, "namespace", rt.namespace)
	return rt, nil
}

func dial(log pslog.Logger, addresses []string) (*containerd.Client, string, error) {
	var errs []error
	for _, addr := range addresses {
		client, err := containerd.New(addr)
		if err == nil {
			return client, addr, nil
		}
		log.Debug("containerd connect failed", "address", addr, "err", err)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, "", errors.New("containerd address not configured")
	}
	return nil, "", errors.Join(errs...)
}

// Close releases the containerd client.
func (r *Runtime) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Status reports the container state without modifying it.
func (r *Runtime) Status(ctx context.Context, name string) (shipohoy.ContainerStatus, error) {
	ctx = r.withNamespace(ctx)
	container, err := r.client.LoadContainer(ctx, name)
	if errdefs.IsNotFound(err) {
		return shipohoy.StatusMissing, nil
	}
	if err != nil {
		return "", err
	}
	return taskStatus(ctx, container)
}

// List returns managed containers whose labels match selector.
func (r *Runtime) List(ctx context.Context, selector map[string]string) ([]shipohoy.ContainerInfo, error) {
	log := r.logger(ctx)
	ctx = r.withNamespace(ctx)
	filters := []string{`labels."` + labelManaged + `"=="true"`}
	all, err := r.client.Containers(ctx, filters...)
	if err != nil {
		log.Warn("containerd list failed", "err", err)
		return nil, err
	}
	out := make([]shipohoy.ContainerInfo, 0, len(all))
	for _, container := range all {
		info, err := container.Info(ctx)
		if err != nil || !matchesLabels(info.Labels, selector) {
			continue
		}
		status, err := taskStatus(ctx, container)
		if err != nil {
			log.Debug("containerd list status failed", "container", info.ID, "err", err)
			status = shipohoy.StatusStopped
		}
		out = append(out, shipohoy.ContainerInfo{
			Name:      info.ID,
			Labels:    info.Labels,
			Status:    status,
			CreatedAt: info.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// TailLogs returns the last lines of stdout and stderr captured for a container.
func (r *Runtime) TailLogs(_ context.Context, handle shipohoy.Handle, limit int) ([]string, []string, error) {
	if handle == nil {
		return nil, nil, errors.New("container handle is required")
	}
	if limit <= 0 {
		limit = defaultTailLines
	}
	r.logsMu.Lock()
	capture := r.logs[handle.Name()]
	r.logsMu.Unlock()
	if capture == nil {
		return nil, nil, errors.New("log capture unavailable")
	}
	return tailLines(capture.stdout.Snapshot(), limit), tailLines(capture.stderr.Snapshot(), limit), nil
}

func taskStatus(ctx context.Context, container containerd.Container) (shipohoy.ContainerStatus, error) {
	task, err := container.Task(ctx, nil)
	if errdefs.IsNotFound(err) {
		return shipohoy.StatusStopped, nil
	}
	if err != nil {
		return "", err
	}
	status, err := task.Status(ctx)
	if err != nil {
		return "", err
	}
	return mapStatus(status.Status), nil
}

func mapStatus(status containerd.ProcessStatus) shipohoy.ContainerStatus {
	switch status {
	case containerd.Running:
		return shipohoy.StatusRunning
	case containerd.Created, containerd.Paused, containerd.Pausing:
		return shipohoy.StatusCreated
	default:
		return shipohoy.StatusStopped
	}
}

func matchesLabels(labels map[string]string, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func (r *Runtime) withNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "containerd")
}

func blank(value string) bool {
	return strings.TrimSpace(value) == ""
}
