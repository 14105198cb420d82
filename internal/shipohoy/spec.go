package shipohoy

import "time"

// YardPlan configures default behavior for all containers in a yard.
type YardPlan struct {
	NamePrefix   string
	Env          map[string]string
	Labels       map[string]string
	ResourceCaps ResourceCaps
	// StopGrace bounds the wait for a clean exit on Discharge.
	StopGrace time.Duration
}

// DefaultStopGrace is used when YardPlan.StopGrace is zero.
const DefaultStopGrace = 10 * time.Second

// ResourceCaps sets optional resource limits (0 means default).
type ResourceCaps struct {
	MemoryBytes int64
	NanoCPUs    int64
}

// ContainerSpec describes a container.
type ContainerSpec struct {
	Name           string
	Image          string
	Snapshotter    string
	Env            map[string]string
	Labels         map[string]string
	Command        []string
	WorkingDir     string
	ResourceCaps   *ResourceCaps
	HostNetwork    bool
	LogBufferBytes int
}

// ContainerStatus is the lifecycle state of a container as seen by the runtime.
type ContainerStatus string

const (
	// StatusMissing means no container with the name exists.
	StatusMissing ContainerStatus = "missing"
	// StatusCreated means the container exists but its task is starting or paused.
	StatusCreated ContainerStatus = "created"
	// StatusRunning means the container task is running.
	StatusRunning ContainerStatus = "running"
	// StatusStopped means the container exists without a live task.
	StatusStopped ContainerStatus = "stopped"
)

// ContainerInfo describes a managed container.
type ContainerInfo struct {
	Name      string
	Labels    map[string]string
	Status    ContainerStatus
	CreatedAt time.Time
}

// WaitPortSpec waits for a TCP port to accept connections.
type WaitPortSpec struct {
	Address       string
	Port          int
	Timeout       time.Duration
	Interval      time.Duration
	NetNSFallback bool
}

// mergeSpec overlays yard defaults onto container spec.
func mergeSpec(spec ContainerSpec, plan YardPlan) ContainerSpec {
	out := spec
	out.Env = make(map[string]string, len(spec.Env)+len(plan.Env))
	for k, v := range spec.Env {
		out.Env[k] = v
	}
	out.Labels = make(map[string]string, len(spec.Labels)+len(plan.Labels))
	for k, v := range spec.Labels {
		out.Labels[k] = v
	}
	for k, v := range plan.Env {
		if _, ok := out.Env[k]; !ok {
			out.Env[k] = v
		}
	}
	for k, v := range plan.Labels {
		if _, ok := out.Labels[k]; !ok {
			out.Labels[k] = v
		}
	}
	if plan.NamePrefix != "" {
		out.Name = plan.NamePrefix + out.Name
	}
	if out.ResourceCaps == nil {
		caps := plan.ResourceCaps
		out.ResourceCaps = &caps
	} else {
		caps := *out.ResourceCaps
		if caps.MemoryBytes == 0 {
			caps.MemoryBytes = plan.ResourceCaps.MemoryBytes
		}
		if caps.NanoCPUs == 0 {
			caps.NanoCPUs = plan.ResourceCaps.NanoCPUs
		}
		out.ResourceCaps = &caps
	}
	return out
}
