//go:build containerd
// +build containerd

package containerd

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/errdefs"

	"pkt.systems/showcase/internal/shipohoy"
)

func TestRuntimeLifecycle(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := namespaces.WithNamespace(context.Background(), rt.namespace)
	name := fmt.Sprintf("showcase-test-%d", time.Now().UnixNano())
	spec := shipohoy.ContainerSpec{
		Name:           name,
		Image:          "docker.io/library/busybox:1.36",
		Snapshotter:    "native",
		Command:        []string{"sh", "-c", "echo ready; httpd -f -p 18081"},
		HostNetwork:    true,
		LogBufferBytes: 16 * 1024,
		Labels:         map[string]string{"showcase.run_id": name},
	}

	handle, err := rt.EnsureRunning(ctx, spec)
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	t.Cleanup(func() {
		_ = rt.Remove(ctx, name, time.Second)
	})

	if err := rt.WaitForPort(ctx, handle, shipohoy.WaitPortSpec{Port: 18081, Timeout: 10 * time.Second}); err != nil {
		t.Fatalf("WaitForPort: %v", err)
	}
	status, err := rt.Status(ctx, name)
	if err != nil || status != shipohoy.StatusRunning {
		t.Fatalf("Status: %s %v", status, err)
	}
	infos, err := rt.List(ctx, map[string]string{"showcase.run_id": name})
	if err != nil || len(infos) != 1 {
		t.Fatalf("List: %+v %v", infos, err)
	}
	stdout, _, err := rt.TailLogs(ctx, handle, 10)
	if err != nil || !strings.Contains(strings.Join(stdout, "\n"), "ready") {
		t.Fatalf("TailLogs: %+v %v", stdout, err)
	}

	if err := rt.Remove(ctx, name, 2*time.Second); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, _, err := rt.TailLogs(ctx, handle, 10); err == nil {
		t.Fatalf("expected log capture dropped after remove")
	}
	_, err = rt.client.LoadContainer(ctx, name)
	if err == nil || !errdefs.IsNotFound(err) {
		t.Fatalf("expected container removal, got err=%v", err)
	}
	if status, _ := rt.Status(ctx, name); status != shipohoy.StatusMissing {
		t.Fatalf("expected missing, got %s", status)
	}
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping containerd integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt, err := New(ctx, Config{Namespace: "showcase-test"})
	if err != nil {
		t.Skipf("containerd not available: %v", err)
	}
	if _, err := rt.client.IsServing(ctx); err != nil {
		t.Skipf("containerd not serving: %v", err)
	}
	return rt
}
