package containerspawner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/showcase/core"
	"pkt.systems/showcase/internal/shipohoy"
	"pkt.systems/showcase/schema"
)

type fakeRuntime struct {
	mu       sync.Mutex
	statuses map[string]shipohoy.ContainerStatus
	labels   map[string]map[string]string
	specs    []shipohoy.ContainerSpec
	waitErr  error
	stderr   []string
	gate     chan struct{}
	removed  []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		statuses: make(map[string]shipohoy.ContainerStatus),
		labels:   make(map[string]map[string]string),
	}
}

func (f *fakeRuntime) EnsureImage(context.Context, string) error { return nil }

func (f *fakeRuntime) EnsureRunning(_ context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	f.statuses[spec.Name] = shipohoy.StatusRunning
	f.labels[spec.Name] = spec.Labels
	return shipohoy.NamedHandle(spec.Name), nil
}

func (f *fakeRuntime) Status(_ context.Context, name string) (shipohoy.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.statuses[name]; ok {
		return status, nil
	}
	return shipohoy.StatusMissing, nil
}

func (f *fakeRuntime) List(_ context.Context, selector map[string]string) ([]shipohoy.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []shipohoy.ContainerInfo
	for name, labels := range f.labels {
		match := true
		for k, v := range selector {
			if labels[k] != v {
				match = false
			}
		}
		if match {
			out = append(out, shipohoy.ContainerInfo{Name: name, Labels: labels, Status: f.statuses[name]})
		}
	}
	return out, nil
}

func (f *fakeRuntime) Remove(_ context.Context, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.statuses, name)
	delete(f.labels, name)
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeRuntime) removedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *fakeRuntime) WaitForPort(ctx context.Context, _ shipohoy.Handle, _ shipohoy.WaitPortSpec) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.waitErr
}

func (f *fakeRuntime) TailLogs(context.Context, shipohoy.Handle, int) ([]string, []string, error) {
	return nil, f.stderr, nil
}

func (f *fakeRuntime) lastSpec(t *testing.T) shipohoy.ContainerSpec {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.specs) == 0 {
		t.Fatalf("expected a container spec")
	}
	return f.specs[len(f.specs)-1]
}

func newTestSpawner(t *testing.T, rt *fakeRuntime, cfg Config) *Spawner {
	t.Helper()
	if cfg.Image == "" {
		cfg.Image = "docker.io/library/python:3.12"
	}
	yard := shipohoy.Commission(shipohoy.YardPlan{
		NamePrefix: "showcase-",
		Labels:     map[string]string{"showcase.managed": "true"},
	}, rt)
	s, err := New(yard, cfg, nil)
	if err != nil {
		t.Fatalf("new spawner: %v", err)
	}
	return s
}

func TestLaunchBuildsContainerSpec(t *testing.T) {
	rt := newFakeRuntime()
	s := newTestSpawner(t, rt, Config{Command: []string{"voila", "{presentation_path}"}})
	opts := schema.LaunchOptions{
		PresentationType: "voila",
		PresentationPath: "notebooks/report.ipynb",
		Environment:      map[string]string{schema.EnvGroup: "dash-alice-report"},
	}
	res, err := s.Launch(context.Background(), core.LaunchRequest{Owner: "alice", Name: "dash-report", Options: opts.ToMap()})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if res.State != schema.BackendRunning {
		t.Fatalf("expected running, got %s", res.State)
	}
	spec := rt.lastSpec(t)
	if spec.Name != "showcase-alice-dash-report" {
		t.Fatalf("unexpected container name %q", spec.Name)
	}
	if spec.Labels[labelOwner] != "alice" || spec.Labels[labelProcess] != "dash-report" {
		t.Fatalf("unexpected labels: %+v", spec.Labels)
	}
	if spec.Env[schema.EnvGroup] != "dash-alice-report" || spec.Env["SHOWCASE_PORT"] != "8888" {
		t.Fatalf("unexpected env: %+v", spec.Env)
	}
	want := []string{"voila", "notebooks/report.ipynb", "--port=8888"}
	if strings.Join(spec.Command, " ") != strings.Join(want, " ") {
		t.Fatalf("expected command %v, got %v", want, spec.Command)
	}
}

func TestLaunchSkipsRunningContainer(t *testing.T) {
	rt := newFakeRuntime()
	rt.statuses["showcase-alice-dash-report"] = shipohoy.StatusRunning
	s := newTestSpawner(t, rt, Config{})
	res, err := s.Launch(context.Background(), core.LaunchRequest{Owner: "alice", Name: "dash-report"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if res.State != schema.BackendRunning || len(rt.specs) != 0 {
		t.Fatalf("expected no new container, got %d specs", len(rt.specs))
	}
}

func TestLaunchPendingRejectsSecondLaunch(t *testing.T) {
	rt := newFakeRuntime()
	rt.gate = make(chan struct{})
	s := newTestSpawner(t, rt, Config{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Launch(context.Background(), core.LaunchRequest{Owner: "alice", Name: "dash-report"})
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		state, _ := s.State(context.Background(), "alice", "dash-report")
		if state == schema.BackendPending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected pending slot")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, err := s.Launch(context.Background(), core.LaunchRequest{Owner: "alice", Name: "dash-report"})
	if !errors.Is(err, core.ErrSpawnPending) {
		t.Fatalf("expected spawn pending, got %v", err)
	}
	close(rt.gate)
	if err := <-done; err != nil {
		t.Fatalf("first launch: %v", err)
	}
}

func TestLaunchFailureIncludesStderr(t *testing.T) {
	rt := newFakeRuntime()
	rt.waitErr = errors.New("port 8888 not ready")
	rt.stderr = []string{"ModuleNotFoundError: voila"}
	s := newTestSpawner(t, rt, Config{})
	_, err := s.Launch(context.Background(), core.LaunchRequest{Owner: "alice", Name: "dash-report"})
	if err == nil || !strings.Contains(err.Error(), "ModuleNotFoundError") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestLaunchFailureDischargesContainer(t *testing.T) {
	rt := newFakeRuntime()
	rt.waitErr = errors.New("port 8888 not ready")
	s := newTestSpawner(t, rt, Config{})
	if _, err := s.Launch(context.Background(), core.LaunchRequest{Owner: "alice", Name: "dash-report"}); err == nil {
		t.Fatalf("expected launch failure")
	}
	if removed := rt.removedNames(); len(removed) != 1 || removed[0] != "showcase-alice-dash-report" {
		t.Fatalf("expected failed container removed, got %v", removed)
	}
	state, err := s.State(context.Background(), "alice", "dash-report")
	if err != nil || state != schema.BackendAbsent {
		t.Fatalf("expected absent slot after cleanup, got %s (%v)", state, err)
	}
}

func TestLaunchReplacesDormantContainer(t *testing.T) {
	rt := newFakeRuntime()
	rt.statuses["showcase-alice-dash-report"] = shipohoy.StatusStopped
	s := newTestSpawner(t, rt, Config{})
	res, err := s.Launch(context.Background(), core.LaunchRequest{Owner: "alice", Name: "dash-report"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if res.State != schema.BackendRunning {
		t.Fatalf("expected running, got %s", res.State)
	}
	if removed := rt.removedNames(); len(removed) != 1 {
		t.Fatalf("expected dormant container discharged before relaunch, got %v", removed)
	}
	if spec := rt.lastSpec(t); spec.Name != "showcase-alice-dash-report" {
		t.Fatalf("unexpected relaunch spec name %q", spec.Name)
	}
}

func TestStateMapsContainerStatus(t *testing.T) {
	rt := newFakeRuntime()
	s := newTestSpawner(t, rt, Config{})
	cases := map[shipohoy.ContainerStatus]schema.BackendState{
		shipohoy.StatusRunning: schema.BackendRunning,
		shipohoy.StatusCreated: schema.BackendPending,
		shipohoy.StatusStopped: schema.BackendDormant,
	}
	for status, want := range cases {
		rt.statuses["showcase-alice-work"] = status
		got, err := s.PollAndNotify(context.Background(), "alice", "work")
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if got != want {
			t.Fatalf("%s: expected %s, got %s", status, want, got)
		}
	}
	got, err := s.State(context.Background(), "alice", "missing")
	if err != nil || got != schema.BackendAbsent {
		t.Fatalf("expected absent, got %s (%v)", got, err)
	}
}

func TestListSourcesUsesLabels(t *testing.T) {
	rt := newFakeRuntime()
	rt.statuses["showcase-alice-work"] = shipohoy.StatusStopped
	rt.labels["showcase-alice-work"] = map[string]string{"showcase.managed": "true", labelOwner: "alice", labelProcess: "work"}
	rt.statuses["showcase-bob-work"] = shipohoy.StatusRunning
	rt.labels["showcase-bob-work"] = map[string]string{"showcase.managed": "true", labelOwner: "bob", labelProcess: "work"}
	s := newTestSpawner(t, rt, Config{})

	refs, err := s.ListSources(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}
	if len(refs) != 1 || refs[0].Name != "work" || refs[0].State != schema.BackendDormant {
		t.Fatalf("unexpected sources: %+v", refs)
	}
}

func TestExpandCommandKeepsExplicitPort(t *testing.T) {
	got := expandCommand([]string{"panel", "serve", "{presentation_path}", "--port", "{port}"}, schema.LaunchOptions{PresentationPath: "app.py"}, 9000)
	want := "panel serve app.py --port 9000"
	if strings.Join(got, " ") != want {
		t.Fatalf("expected %q, got %q", want, strings.Join(got, " "))
	}
	if expandCommand(nil, schema.LaunchOptions{}, 9000) != nil {
		t.Fatalf("expected empty command to use the image default")
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"Alice":         "alice",
		"dash-Report_1": "dash-report-1",
		"--":            "x",
		"a..b":          "a-b",
	}
	for in, want := range cases {
		if got := sanitizeName(in); got != want {
			t.Fatalf("%q: expected %q, got %q", in, want, got)
		}
	}
}

func TestLaunchAppliesPresetExtras(t *testing.T) {
	rt := newFakeRuntime()
	s := newTestSpawner(t, rt, Config{Command: []string{"voila", "{presentation_path}"}})
	opts := schema.LaunchOptions{
		PresentationPath: "report.ipynb",
		Environment:      map[string]string{"VOILA_THEME": "light"},
		Extra: map[string]any{
			schema.OptionPresentationArgs: []any{"--strip_sources=True"},
			schema.OptionPresentationEnv:  map[string]any{"VOILA_THEME": "dark", "TZ": "UTC"},
		},
	}
	if _, err := s.Launch(context.Background(), core.LaunchRequest{Owner: "alice", Name: "dash-report", Options: opts.ToMap()}); err != nil {
		t.Fatalf("launch: %v", err)
	}
	spec := rt.lastSpec(t)
	want := "voila report.ipynb --strip_sources=True --port=8888"
	if got := strings.Join(spec.Command, " "); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if spec.Env["VOILA_THEME"] != "light" || spec.Env["TZ"] != "UTC" {
		t.Fatalf("launch environment must win over presets: %+v", spec.Env)
	}
}
