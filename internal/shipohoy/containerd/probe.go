package containerd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"pkt.systems/showcase/internal/shipohoy"
)

const (
	defaultPortTimeout  = 10 * time.Second
	defaultPortInterval = 200 * time.Millisecond
)

// WaitForPort polls until the backend port accepts a TCP connection. With
// NetNSFallback every attempt that fails from the host is retried from inside
// the container network namespace, where a private-network backend listens.
func (r *Runtime) WaitForPort(ctx context.Context, h shipohoy.Handle, spec shipohoy.WaitPortSpec) error {
	if h == nil {
		return errors.New("container handle is required")
	}
	if spec.Port <= 0 {
		return errors.New("port must be greater than zero")
	}
	host := strings.TrimSpace(spec.Address)
	if host == "" {
		host = "127.0.0.1"
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultPortTimeout
	}
	interval := spec.Interval
	if interval <= 0 {
		interval = defaultPortInterval
	}
	addr := net.JoinHostPort(host, strconv.Itoa(spec.Port))
	log := r.logger(ctx).With("container", h.Name(), "target", addr)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = dialTCP(waitCtx, addr, interval)
		if lastErr != nil && spec.NetNSFallback {
			lastErr = r.dialInTask(waitCtx, h.Name(), addr, interval)
		}
		if lastErr == nil {
			log.Debug("containerd wait for port ok", "attempts", attempt)
			return nil
		}
		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("containerd wait for port failed", "timeout", timeout, "attempts", attempt, "err", lastErr)
			return fmt.Errorf("port %s did not open within %s: %w", addr, timeout, lastErr)
		}
	}
}

func dialTCP(ctx context.Context, addr string, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// dialInTask dials addr from the network namespace of the container task.
func (r *Runtime) dialInTask(ctx context.Context, name, addr string, timeout time.Duration) error {
	if runtime.GOOS != "linux" {
		return errors.New("network namespace dial requires linux")
	}
	ctx = r.withNamespace(ctx)
	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		return err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return err
	}
	pid := task.Pid()
	if pid == 0 {
		return errors.New("container task has no pid")
	}
	return inNetNS(pid, func() error { return dialTCP(ctx, addr, timeout) })
}

// inNetNS runs fn on a locked OS thread switched into the network namespace of pid.
func inNetNS(pid uint32, fn func() error) error {
	self, err := os.Open("/proc/self/ns/net")
	if err != nil {
		return err
	}
	defer func() { _ = self.Close() }()
	target, err := os.Open(fmt.Sprintf("/proc/%d/ns/net", pid))
	if err != nil {
		return err
	}
	defer func() { _ = target.Close() }()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := unix.Setns(int(target.Fd()), unix.CLONE_NEWNET); err != nil {
		return err
	}
	defer func() { _ = unix.Setns(int(self.Fd()), unix.CLONE_NEWNET) }()
	return fn()
}
