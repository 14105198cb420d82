package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/showcase/schema"
)

func TestCreateThenInquireReachesRunning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.svc.CreateDashboard(ctx, schema.CreateDashboardRequest{Owner: "alice", Name: "My Report!"})
	if err != nil {
		t.Fatalf("create dashboard: %v", err)
	}
	if created.Dashboard.Slug != "my-report-" {
		t.Fatalf("expected slug my-report-, got %q", created.Dashboard.Slug)
	}
	if created.Dashboard.HasFinalBackend() || created.Dashboard.Started != nil {
		t.Fatalf("new dashboard must not carry a final backend: %+v", created.Dashboard)
	}

	first := env.inquire(t, "alice", "my-report-")
	if first.Status != StatusStarted || first.State != schema.StateBuilding || !first.BuildPending {
		t.Fatalf("unexpected first inquiry: %+v", first)
	}
	env.waitForBuilds(t)

	second := env.inquire(t, "alice", "my-report-")
	if second.Status != StatusRunning || second.State != schema.StateBackendRunning {
		t.Fatalf("unexpected second inquiry: %+v", second)
	}
	stored := env.store.mustGet(t, created.Dashboard.ID)
	if stored.FinalBackend != "dash-my-report-" {
		t.Fatalf("expected final backend dash-my-report-, got %q", stored.FinalBackend)
	}
	if stored.Started == nil || stored.Started.Before(stored.Created) {
		t.Fatalf("expected started >= created, got started=%v created=%v", stored.Started, stored.Created)
	}
	if stored.Group.Name != "dash-my-report-" {
		t.Fatalf("expected visitor group dash-my-report-, got %q", stored.Group.Name)
	}
	if err := stored.Validate(); err != nil {
		t.Fatalf("stored dashboard invalid: %v", err)
	}
}

func TestConcurrentInquiriesLaunchOnce(t *testing.T) {
	env := newTestEnv(t)
	env.spawner.gate = make(chan struct{})
	dashboard := env.store.seed(t, schema.Dashboard{Owner: "alice", Slug: "report", Name: "Report"})

	const callers = 16
	var wg sync.WaitGroup
	statuses := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := env.svc.Inquire(context.Background(), schema.InquireRequest{Owner: dashboard.Owner, Slug: dashboard.Slug})
			if err != nil {
				t.Errorf("inquire: %v", err)
				return
			}
			statuses <- resp.Status
		}()
	}
	wg.Wait()
	close(statuses)

	started := 0
	for status := range statuses {
		switch status {
		case StatusStarted:
			started++
		case StatusPending:
		default:
			t.Fatalf("unexpected status %q", status)
		}
	}
	if started != 1 {
		t.Fatalf("expected exactly one started build, got %d", started)
	}

	env.spawner.mu.Lock()
	close(env.spawner.gate)
	env.spawner.mu.Unlock()
	env.waitForBuilds(t)

	if n := env.spawner.launchCount(); n != 1 {
		t.Fatalf("expected one launch, got %d", n)
	}
}

func TestRunningDashboardIsStable(t *testing.T) {
	env := newTestEnv(t)
	dashboard := env.store.seed(t, schema.Dashboard{Owner: "alice", Slug: "report", Name: "Report"})
	env.inquire(t, "alice", "report")
	env.waitForBuilds(t)

	for i := 0; i < 5; i++ {
		resp := env.inquire(t, "alice", "report")
		if resp.Status != StatusRunning {
			t.Fatalf("inquiry %d: expected %q, got %q", i, StatusRunning, resp.Status)
		}
	}
	if n := env.spawner.launchCount(); n != 1 {
		t.Fatalf("expected one launch, got %d", n)
	}
	if _, ok := env.svc.builds.records[dashboard.ID]; ok {
		t.Fatalf("expected registry record pruned for running dashboard")
	}
}

func TestFailedBuildIsReportedThenRetried(t *testing.T) {
	env := newTestEnv(t)
	dashboard := env.store.seed(t, schema.Dashboard{Owner: "alice", Slug: "report", Name: "Report"})
	env.spawner.setLaunchErr(errors.New("image pull failed"))

	env.inquire(t, "alice", "report")
	env.waitForBuilds(t)

	failed := env.inquire(t, "alice", "report")
	if failed.State != schema.StateBuildFailed {
		t.Fatalf("expected BUILD_FAILED, got %+v", failed)
	}
	if failed.Status != "Error: image pull failed" {
		t.Fatalf("unexpected failure status %q", failed.Status)
	}
	stored := env.store.mustGet(t, dashboard.ID)
	if stored.HasFinalBackend() || stored.Started != nil {
		t.Fatalf("failed build must not write dashboard fields: %+v", stored)
	}

	env.spawner.setLaunchErr(nil)
	retry := env.inquire(t, "alice", "report")
	if retry.Status != StatusStarted {
		t.Fatalf("expected retry to start a new build, got %q", retry.Status)
	}
	env.waitForBuilds(t)
	if resp := env.inquire(t, "alice", "report"); resp.Status != StatusRunning {
		t.Fatalf("expected running after retry, got %q", resp.Status)
	}
	if n := env.spawner.launchCount(); n != 2 {
		t.Fatalf("expected two launches, got %d", n)
	}
}

func TestPersistFailureLeavesDashboardUntouched(t *testing.T) {
	env := newTestEnv(t)
	dashboard := env.store.seed(t, schema.Dashboard{Owner: "alice", Slug: "report", Name: "Report"})
	env.store.mu.Lock()
	env.store.saveErr = errors.New("disk full")
	env.store.mu.Unlock()

	env.inquire(t, "alice", "report")
	env.waitForBuilds(t)

	resp := env.inquire(t, "alice", "report")
	if resp.State != schema.StateBuildFailed || !strings.Contains(resp.Status, "disk full") {
		t.Fatalf("expected persist failure, got %+v", resp)
	}
	stored := env.store.mustGet(t, dashboard.ID)
	if stored.HasFinalBackend() || stored.Started != nil {
		t.Fatalf("expected no partial write, got %+v", stored)
	}
}

func TestNamedBackendsDisabledFailsBuild(t *testing.T) {
	env := newTestEnv(t, func(cfg *schema.ServiceConfig) { cfg.AllowNamedBackends = false })
	env.store.seed(t, schema.Dashboard{Owner: "alice", Slug: "report", Name: "Report"})

	env.inquire(t, "alice", "report")
	env.waitForBuilds(t)

	resp := env.inquire(t, "alice", "report")
	if resp.Status != "Error: Named servers are not enabled." {
		t.Fatalf("unexpected status %q", resp.Status)
	}
	if n := env.spawner.launchCount(); n != 0 {
		t.Fatalf("expected no launches, got %d", n)
	}
}

func TestBuildTimeoutIsReported(t *testing.T) {
	env := newTestEnv(t, func(cfg *schema.ServiceConfig) { cfg.StartTimeout = 50 * time.Millisecond })
	env.spawner.gate = make(chan struct{})
	env.store.seed(t, schema.Dashboard{Owner: "alice", Slug: "report", Name: "Report"})

	env.inquire(t, "alice", "report")
	env.waitForBuilds(t)

	resp := env.inquire(t, "alice", "report")
	if resp.State != schema.StateBuildFailed {
		t.Fatalf("expected BUILD_FAILED after timeout, got %+v", resp)
	}
	if !strings.Contains(resp.Status, context.DeadlineExceeded.Error()) {
		t.Fatalf("expected deadline in status, got %q", resp.Status)
	}
}

func TestDormantBackendIsRespawned(t *testing.T) {
	env := newTestEnv(t)
	started := time.Now().UTC()
	env.store.seed(t, schema.Dashboard{
		Owner:        "alice",
		Slug:         "report",
		Name:         "Report",
		FinalBackend: "dash-report",
		Group:        schema.GroupRef{Name: "dash-report", Members: []schema.UserID{"bob"}},
		Started:      &started,
	})
	env.spawner.setState("dash-report", schema.BackendDormant)

	resp := env.inquire(t, "alice", "report")
	if resp.Status != StatusDormant || resp.State != schema.StateBackendDormant {
		t.Fatalf("unexpected dormant inquiry: %+v", resp)
	}
	env.waitForBuilds(t)

	launch := env.spawner.lastLaunch()
	if launch.Name != "dash-report" {
		t.Fatalf("expected respawn of dash-report, got %q", launch.Name)
	}
	opts := schema.LaunchOptionsFromMap(launch.Options)
	if opts.Environment[schema.EnvGroup] != "dash-report" {
		t.Fatalf("expected persisted group in env, got %+v", opts.Environment)
	}
	if resp := env.inquire(t, "alice", "report"); resp.Status != StatusRunning {
		t.Fatalf("expected running after respawn, got %q", resp.Status)
	}
}

func TestRespawnFailureReportedOnce(t *testing.T) {
	env := newTestEnv(t)
	started := time.Now().UTC()
	env.store.seed(t, schema.Dashboard{Owner: "alice", Slug: "report", Name: "Report", FinalBackend: "dash-report", Started: &started})
	env.spawner.setState("dash-report", schema.BackendDormant)
	env.spawner.setLaunchErr(errors.New("no capacity"))

	env.inquire(t, "alice", "report")
	env.waitForBuilds(t)

	if resp := env.inquire(t, "alice", "report"); resp.Status != "Error: no capacity" {
		t.Fatalf("expected respawn error, got %q", resp.Status)
	}
	if resp := env.inquire(t, "alice", "report"); resp.Status != StatusDormant {
		t.Fatalf("expected fresh respawn attempt, got %q", resp.Status)
	}
}

func TestPendingBackendIsNotRelaunched(t *testing.T) {
	env := newTestEnv(t)
	started := time.Now().UTC()
	env.store.seed(t, schema.Dashboard{Owner: "alice", Slug: "report", Name: "Report", FinalBackend: "dash-report", Started: &started})
	env.spawner.setState("dash-report", schema.BackendPending)

	resp := env.inquire(t, "alice", "report")
	if resp.Status != StatusSpawning || resp.State != schema.StateBackendPending {
		t.Fatalf("unexpected pending inquiry: %+v", resp)
	}
	if n := env.spawner.launchCount(); n != 0 {
		t.Fatalf("expected no launches, got %d", n)
	}
}

func TestInquireRejectsOtherOwner(t *testing.T) {
	env := newTestEnv(t)
	env.store.seed(t, schema.Dashboard{Owner: "alice", Slug: "report", Name: "Report"})

	_, err := env.svc.Inquire(context.Background(), schema.InquireRequest{Owner: "bob", Slug: "report"})
	if !errors.Is(err, schema.ErrOwnerMismatch) {
		t.Fatalf("expected owner mismatch, got %v", err)
	}
	if n := env.spawner.launchCount(); n != 0 {
		t.Fatalf("expected no launches, got %d", n)
	}
}

func TestInquireUnknownSlug(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Inquire(context.Background(), schema.InquireRequest{Owner: "alice", Slug: "missing"})
	if !errors.Is(err, schema.ErrDashboardNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStaleSnapshotIsReloaded(t *testing.T) {
	env := newTestEnv(t)
	dashboard := env.store.seed(t, schema.Dashboard{Owner: "alice", Slug: "report", Name: "Report"})

	env.svc.builds.mu.Lock()
	env.svc.builds.recordLocked(dashboard.ID).built = true
	env.svc.builds.mu.Unlock()

	_, reload := env.svc.reconcileBuild(context.Background(), dashboard, true)
	if !reload {
		t.Fatalf("expected reload request for stale snapshot")
	}
	if n := env.spawner.launchCount(); n != 0 {
		t.Fatalf("stale snapshot must not start a build, got %d launches", n)
	}
}

func TestBuildEventsAreEmitted(t *testing.T) {
	env := newTestEnv(t)
	env.store.seed(t, schema.Dashboard{Owner: "alice", Slug: "report", Name: "Report"})
	env.inquire(t, "alice", "report")
	env.waitForBuilds(t)

	events := env.sink.snapshot()
	if len(events) == 0 {
		t.Fatalf("expected build events")
	}
	if events[0].Kind != schema.BuildEventProgress || events[0].Progress != 10 || events[0].Message != "Starting builder" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	last := events[len(events)-1]
	if last.Kind != schema.BuildEventReady || last.Progress != 100 {
		t.Fatalf("unexpected last event: %+v", last)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Progress < events[i-1].Progress {
			t.Fatalf("progress went backwards: %+v", events)
		}
	}
}

func TestCloseCancelsInflightBuild(t *testing.T) {
	env := newTestEnv(t)
	env.spawner.gate = make(chan struct{})
	dashboard := env.store.seed(t, schema.Dashboard{Owner: "alice", Slug: "report", Name: "Report"})
	env.inquire(t, "alice", "report")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.svc.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	env.svc.builds.mu.Lock()
	_, ok := env.svc.builds.records[dashboard.ID]
	env.svc.builds.mu.Unlock()
	if ok {
		t.Fatalf("expected canceled build to leave no record")
	}
	if stored := env.store.mustGet(t, dashboard.ID); stored.HasFinalBackend() {
		t.Fatalf("canceled build must not write final backend")
	}
}

func TestEditDashboardValidatesSource(t *testing.T) {
	env := newTestEnv(t)
	env.spawner.sources = []schema.ProcessRef{{Owner: "alice", Name: "notebook"}}
	env.store.seed(t, schema.Dashboard{Owner: "alice", Slug: "report", Name: "Report"})
	ctx := context.Background()

	_, err := env.svc.EditDashboard(ctx, schema.EditDashboardRequest{Owner: "alice", Slug: "report", Name: "Report", Source: "nope"})
	if !errors.Is(err, schema.ErrInvalidRequest) || !strings.Contains(err.Error(), "Spawner nope not found") {
		t.Fatalf("expected source validation error, got %v", err)
	}

	resp, err := env.svc.EditDashboard(ctx, schema.EditDashboardRequest{
		Owner:            "alice",
		Slug:             "report",
		Name:             "Quarterly",
		Source:           "notebook",
		PresentationType: "streamlit",
		StartPath:        "/app/main.py",
		Visitors:         []schema.UserID{"bob"},
	})
	if err != nil {
		t.Fatalf("edit dashboard: %v", err)
	}
	if resp.Dashboard.Name != "Quarterly" || resp.Dashboard.Source != "notebook" {
		t.Fatalf("unexpected edited dashboard: %+v", resp.Dashboard)
	}
	if resp.Dashboard.StartPath != "app/main.py" || resp.Dashboard.PresentationType != "streamlit" {
		t.Fatalf("unexpected normalized fields: %+v", resp.Dashboard)
	}
	if resp.Dashboard.Slug != "report" {
		t.Fatalf("slug must not change on edit, got %q", resp.Dashboard.Slug)
	}
}

func TestEditDashboardJoinsProblems(t *testing.T) {
	env := newTestEnv(t)
	env.store.seed(t, schema.Dashboard{Owner: "alice", Slug: "report", Name: "Report"})

	_, err := env.svc.EditDashboard(context.Background(), schema.EditDashboardRequest{
		Owner:     "alice",
		Slug:      "report",
		Name:      "!bad",
		Source:    "nope",
		StartPath: "../etc",
	})
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"name:", "source:", "start_path:"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestListSourcesExcludesFinalBackends(t *testing.T) {
	env := newTestEnv(t)
	env.spawner.sources = []schema.ProcessRef{
		{Owner: "alice", Name: "notebook"},
		{Owner: "alice", Name: "dash-report"},
		{Owner: "bob", Name: "other"},
	}
	started := time.Now().UTC()
	env.store.seed(t, schema.Dashboard{Owner: "alice", Slug: "report", Name: "Report", FinalBackend: "dash-report", Started: &started})

	resp, err := env.svc.ListSources(context.Background(), schema.ListSourcesRequest{Owner: "alice"})
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].Name != "notebook" {
		t.Fatalf("unexpected sources: %+v", resp.Sources)
	}
}

func TestListDashboardsSplitsOwnAndVisitor(t *testing.T) {
	env := newTestEnv(t)
	env.store.seed(t, schema.Dashboard{Owner: "alice", Slug: "b-report", Name: "B"})
	env.store.seed(t, schema.Dashboard{Owner: "alice", Slug: "a-report", Name: "A"})
	env.store.seed(t, schema.Dashboard{Owner: "carol", Slug: "shared", Name: "Shared", Visitors: []schema.UserID{"alice"}})
	env.store.seed(t, schema.Dashboard{Owner: "carol", Slug: "private", Name: "Private"})

	resp, err := env.svc.ListDashboards(context.Background(), schema.ListDashboardsRequest{UserID: "alice"})
	if err != nil {
		t.Fatalf("list dashboards: %v", err)
	}
	if len(resp.Own) != 2 || resp.Own[0].Slug != "a-report" {
		t.Fatalf("unexpected own dashboards: %+v", resp.Own)
	}
	if len(resp.Visitor) != 1 || resp.Visitor[0].Slug != "shared" {
		t.Fatalf("unexpected visitor dashboards: %+v", resp.Visitor)
	}
}

func TestNewServiceRequiresSpawner(t *testing.T) {
	_, err := NewService(schema.ServiceConfig{}, ServiceDeps{Store: newFakeStore()})
	if !errors.Is(err, schema.ErrSpawnerUnavailable) {
		t.Fatalf("expected spawner unavailable, got %v", err)
	}
}
