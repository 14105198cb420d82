package shipohoy

import (
	"context"
	"time"
)

// Runtime manages container lifecycles.
type Runtime interface {
	EnsureImage(ctx context.Context, image string) error
	EnsureRunning(ctx context.Context, spec ContainerSpec) (Handle, error)
	// Status reports the state of the named container. Missing containers are not an error.
	Status(ctx context.Context, name string) (ContainerStatus, error)
	// List returns managed containers whose labels match selector.
	List(ctx context.Context, selector map[string]string) ([]ContainerInfo, error)
	// Remove signals the task, waits up to grace for it to exit, then deletes
	// the container and its snapshot. Missing containers are not an error.
	Remove(ctx context.Context, name string, grace time.Duration) error
	WaitForPort(ctx context.Context, handle Handle, spec WaitPortSpec) error
	TailLogs(ctx context.Context, handle Handle, limit int) ([]string, []string, error)
}

// Handle represents a running container.
type Handle interface {
	Name() string
	ID() string
}

// NamedHandle returns a Handle for a container known only by name.
func NamedHandle(name string) Handle {
	return namedHandle(name)
}

type namedHandle string

func (h namedHandle) Name() string { return string(h) }
func (h namedHandle) ID() string   { return string(h) }
