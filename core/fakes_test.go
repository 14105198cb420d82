package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/showcase/schema"
)

type fakeStore struct {
	mu        sync.Mutex
	byID      map[schema.DashboardID]schema.Dashboard
	saveErr   error
	saveCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: make(map[schema.DashboardID]schema.Dashboard)}
}

func (s *fakeStore) Create(_ context.Context, d schema.Dashboard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.Slug == d.Slug {
			return schema.ErrSlugTaken
		}
	}
	s.byID[d.ID] = d
	return nil
}

func (s *fakeStore) Save(_ context.Context, d schema.Dashboard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.saveErr != nil {
		return s.saveErr
	}
	if _, ok := s.byID[d.ID]; !ok {
		return schema.ErrDashboardNotFound
	}
	s.byID[d.ID] = d
	return nil
}

func (s *fakeStore) Get(_ context.Context, id schema.DashboardID) (schema.Dashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return schema.Dashboard{}, schema.ErrDashboardNotFound
	}
	return d, nil
}

func (s *fakeStore) FindBySlug(_ context.Context, slug schema.Slug) (schema.Dashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.byID {
		if d.Slug == slug {
			return d, nil
		}
	}
	return schema.Dashboard{}, schema.ErrDashboardNotFound
}

func (s *fakeStore) List(context.Context) ([]schema.Dashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.Dashboard, 0, len(s.byID))
	for _, d := range s.byID {
		out = append(out, d)
	}
	return out, nil
}

func (s *fakeStore) seed(t *testing.T, d schema.Dashboard) schema.Dashboard {
	t.Helper()
	if d.ID == "" {
		d.ID = newDashboardID()
	}
	if d.Created.IsZero() {
		d.Created = time.Now().UTC()
	}
	if err := s.Create(context.Background(), d); err != nil {
		t.Fatalf("seed dashboard: %v", err)
	}
	return d
}

func (s *fakeStore) mustGet(t *testing.T, id schema.DashboardID) schema.Dashboard {
	t.Helper()
	d, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get dashboard: %v", err)
	}
	return d
}

type fakeSpawner struct {
	mu        sync.Mutex
	states    map[schema.ProcessName]schema.BackendState
	sources   []schema.ProcessRef
	launches  []LaunchRequest
	polls     int
	launchErr error
	// gate blocks Launch until closed when non-nil.
	gate chan struct{}
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{states: make(map[schema.ProcessName]schema.BackendState)}
}

func (f *fakeSpawner) ListSources(_ context.Context, owner schema.UserID) ([]schema.ProcessRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.ProcessRef, 0, len(f.sources))
	for _, ref := range f.sources {
		if ref.Owner == owner {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (f *fakeSpawner) State(_ context.Context, _ schema.UserID, name schema.ProcessName) (schema.BackendState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[name]
	if !ok {
		return schema.BackendAbsent, nil
	}
	return state, nil
}

func (f *fakeSpawner) PollAndNotify(ctx context.Context, owner schema.UserID, name schema.ProcessName) (schema.BackendState, error) {
	f.mu.Lock()
	f.polls++
	f.mu.Unlock()
	return f.State(ctx, owner, name)
}

func (f *fakeSpawner) Launch(ctx context.Context, req LaunchRequest) (LaunchResult, error) {
	f.mu.Lock()
	f.launches = append(f.launches, req)
	gate := f.gate
	err := f.launchErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return LaunchResult{}, ctx.Err()
		}
	}
	if err != nil {
		return LaunchResult{}, err
	}
	f.setState(req.Name, schema.BackendRunning)
	return LaunchResult{Name: req.Name, State: schema.BackendRunning}, nil
}

func (f *fakeSpawner) setState(name schema.ProcessName, state schema.BackendState) {
	f.mu.Lock()
	f.states[name] = state
	f.mu.Unlock()
}

func (f *fakeSpawner) setLaunchErr(err error) {
	f.mu.Lock()
	f.launchErr = err
	f.mu.Unlock()
}

func (f *fakeSpawner) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

func (f *fakeSpawner) lastLaunch() LaunchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.launches) == 0 {
		return LaunchRequest{}
	}
	return f.launches[len(f.launches)-1]
}

type captureSink struct {
	mu     sync.Mutex
	events []schema.BuildEvent
}

func (c *captureSink) OnBuildEvent(event schema.BuildEvent) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *captureSink) snapshot() []schema.BuildEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]schema.BuildEvent(nil), c.events...)
}

type testEnv struct {
	svc     *service
	store   *fakeStore
	spawner *fakeSpawner
	sink    *captureSink
}

func newTestEnv(t *testing.T, mutate ...func(*schema.ServiceConfig)) *testEnv {
	t.Helper()
	cfg := schema.ServiceConfig{AllowNamedBackends: true, StartTimeout: 5 * time.Second}
	for _, fn := range mutate {
		fn(&cfg)
	}
	env := &testEnv{store: newFakeStore(), spawner: newFakeSpawner(), sink: &captureSink{}}
	svc, err := NewService(cfg, ServiceDeps{
		Spawner:   env.spawner,
		Store:     env.store,
		EventSink: env.sink,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	env.svc = svc.(*service)
	t.Cleanup(func() {
		env.spawner.mu.Lock()
		if env.spawner.gate != nil {
			select {
			case <-env.spawner.gate:
			default:
				close(env.spawner.gate)
			}
		}
		env.spawner.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = env.svc.Close(ctx)
	})
	return env
}

func (e *testEnv) inquire(t *testing.T, owner schema.UserID, slug schema.Slug) schema.InquireResponse {
	t.Helper()
	resp, err := e.svc.Inquire(context.Background(), schema.InquireRequest{Owner: owner, Slug: slug})
	if err != nil {
		t.Fatalf("inquire: %v", err)
	}
	return resp
}

func (e *testEnv) waitForBuilds(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		e.svc.builds.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for builds")
	}
}
