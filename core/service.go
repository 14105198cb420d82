package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/showcase/internal/logx"
	"pkt.systems/showcase/schema"
	"pkt.systems/pslog"
)

// service implements the core service behavior.
type service struct {
	cfg     schema.ServiceConfig
	spawner Spawner
	store   DashboardStore
	names   *NameResolver
	builder *Builder
	guard   *spawnGuard
	sink    EventSink
	logger  pslog.Logger
	now     func() time.Time

	builds *registry

	baseCtx   context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewService constructs the core service implementation.
func NewService(cfg schema.ServiceConfig, deps ServiceDeps) (Service, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	if deps.Spawner == nil {
		return nil, schema.ErrSpawnerUnavailable
	}
	if deps.Store == nil {
		return nil, errors.New("dashboard store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	guard := newSpawnGuard()
	baseCtx, cancel := context.WithCancel(pslog.ContextWithLogger(context.Background(), logger))
	return &service{
		cfg:     cfg,
		spawner: deps.Spawner,
		store:   deps.Store,
		names:   NewNameResolver(deps.Store, cfg.MaxSlugAttempts),
		builder: newBuilder(cfg, deps.Spawner, deps.Options, guard, deps.EventSink, now),
		guard:   guard,
		sink:    deps.EventSink,
		logger:  logger,
		now:     now,
		builds:  newRegistry(),
		baseCtx: baseCtx,
		cancel:  cancel,
	}, nil
}

func (s *service) CreateDashboard(ctx context.Context, req schema.CreateDashboardRequest) (schema.CreateDashboardResponse, error) {
	if err := schema.ValidateUserID(req.Owner); err != nil {
		return schema.CreateDashboardResponse{}, err
	}
	log := logx.WithUser(ctx, req.Owner)
	name, err := ValidateName(req.Name)
	if err != nil {
		log.Debug("service dashboard create rejected", "err", err)
		return schema.CreateDashboardResponse{}, err
	}
	slug, err := s.names.Resolve(ctx, name)
	if err != nil {
		log.Warn("service dashboard create failed", "err", err)
		return schema.CreateDashboardResponse{}, err
	}
	dashboard := schema.Dashboard{
		ID:      newDashboardID(),
		Owner:   req.Owner,
		Slug:    slug,
		Name:    name,
		Created: s.now().UTC(),
	}
	if err := s.store.Create(ctx, dashboard); err != nil {
		log.Warn("service dashboard create failed", "slug", slug, "err", err)
		return schema.CreateDashboardResponse{}, fmt.Errorf("create dashboard %q: %w", slug, err)
	}
	log.Info("service dashboard create ok", "dashboard", dashboard.ID, "slug", slug)
	return schema.CreateDashboardResponse{Dashboard: dashboard}, nil
}

func (s *service) EditDashboard(ctx context.Context, req schema.EditDashboardRequest) (schema.EditDashboardResponse, error) {
	dashboard, err := s.loadOwned(ctx, req.Owner, req.Slug)
	if err != nil {
		return schema.EditDashboardResponse{}, err
	}
	log := logx.WithDashboard(ctx, dashboard)

	var problems []error
	name, err := ValidateName(req.Name)
	if err != nil {
		problems = append(problems, err)
	}
	presentation, err := schema.NormalizePresentationType(string(req.PresentationType), dashboard.PresentationType)
	if err != nil {
		problems = append(problems, err)
	}
	startPath, err := schema.NormalizeStartPath(req.StartPath)
	if err != nil {
		problems = append(problems, err)
	}
	sources, err := s.availableSources(ctx, req.Owner)
	if err != nil {
		return schema.EditDashboardResponse{}, err
	}
	if !containsSource(sources, req.Source) {
		problems = append(problems, schema.NewFieldError("source", "Spawner %s not found", req.Source))
	}
	if len(problems) > 0 {
		joined := errors.Join(problems...)
		log.Debug("service dashboard edit rejected", "err", joined)
		return schema.EditDashboardResponse{}, joined
	}

	visitors := make([]schema.UserID, 0, len(req.Visitors))
	for _, visitor := range req.Visitors {
		if err := schema.ValidateUserID(visitor); err != nil {
			return schema.EditDashboardResponse{}, schema.NewFieldError("visitors", "Unknown user %q", visitor)
		}
		visitors = append(visitors, visitor)
	}

	dashboard.Name = name
	dashboard.Source = req.Source
	dashboard.PresentationType = presentation
	dashboard.StartPath = startPath
	dashboard.Visitors = visitors
	dashboard.AllowAll = req.AllowAll
	if err := s.store.Save(ctx, dashboard); err != nil {
		log.Warn("service dashboard edit failed", "err", err)
		return schema.EditDashboardResponse{}, fmt.Errorf("save dashboard %q: %w", dashboard.Slug, err)
	}
	log.Info("service dashboard edit ok", "source", dashboard.Source, "visitors", len(visitors))
	return schema.EditDashboardResponse{Dashboard: dashboard}, nil
}

func (s *service) GetDashboard(ctx context.Context, req schema.GetDashboardRequest) (schema.GetDashboardResponse, error) {
	dashboard, err := s.loadOwned(ctx, req.Owner, req.Slug)
	if err != nil {
		return schema.GetDashboardResponse{}, err
	}
	return schema.GetDashboardResponse{Dashboard: dashboard}, nil
}

func (s *service) ListDashboards(ctx context.Context, req schema.ListDashboardsRequest) (schema.ListDashboardsResponse, error) {
	if err := schema.ValidateUserID(req.UserID); err != nil {
		return schema.ListDashboardsResponse{}, err
	}
	all, err := s.store.List(ctx)
	if err != nil {
		return schema.ListDashboardsResponse{}, fmt.Errorf("list dashboards: %w", err)
	}
	resp := schema.ListDashboardsResponse{Own: []schema.Dashboard{}, Visitor: []schema.Dashboard{}}
	for _, dashboard := range all {
		switch {
		case dashboard.Owner == req.UserID:
			resp.Own = append(resp.Own, dashboard)
		case dashboard.Group.Has(req.UserID) || containsUser(dashboard.Visitors, req.UserID):
			resp.Visitor = append(resp.Visitor, dashboard)
		}
	}
	sortDashboards(resp.Own)
	sortDashboards(resp.Visitor)
	logx.WithUser(ctx, req.UserID).Debug("service dashboard list ok", "own", len(resp.Own), "visitor", len(resp.Visitor))
	return resp, nil
}

func (s *service) ListSources(ctx context.Context, req schema.ListSourcesRequest) (schema.ListSourcesResponse, error) {
	if err := schema.ValidateUserID(req.Owner); err != nil {
		return schema.ListSourcesResponse{}, err
	}
	sources, err := s.availableSources(ctx, req.Owner)
	if err != nil {
		return schema.ListSourcesResponse{}, err
	}
	return schema.ListSourcesResponse{Sources: sources}, nil
}

// availableSources lists the owner's slots except those already serving as a final backend.
func (s *service) availableSources(ctx context.Context, owner schema.UserID) ([]schema.ProcessRef, error) {
	refs, err := s.spawner.ListSources(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list dashboards: %w", err)
	}
	claimed := make(map[schema.ProcessName]struct{})
	for _, dashboard := range all {
		if dashboard.Owner == owner && dashboard.HasFinalBackend() {
			claimed[dashboard.FinalBackend] = struct{}{}
		}
	}
	out := make([]schema.ProcessRef, 0, len(refs))
	for _, ref := range refs {
		if _, ok := claimed[ref.Name]; ok {
			continue
		}
		out = append(out, ref)
	}
	return out, nil
}

func (s *service) Inquire(ctx context.Context, req schema.InquireRequest) (schema.InquireResponse, error) {
	dashboard, err := s.loadOwned(ctx, req.Owner, req.Slug)
	if err != nil {
		return schema.InquireResponse{}, err
	}
	if !dashboard.HasFinalBackend() {
		resp, reload := s.reconcileBuild(ctx, dashboard, true)
		if !reload {
			return resp, nil
		}
		// A build finished between our read and the registry check.
		dashboard, err = s.store.Get(ctx, dashboard.ID)
		if err != nil {
			return schema.InquireResponse{}, fmt.Errorf("reload dashboard %q: %w", req.Slug, err)
		}
		if !dashboard.HasFinalBackend() {
			resp, _ = s.reconcileBuild(ctx, dashboard, false)
			return resp, nil
		}
	}
	return s.reconcileBackend(ctx, dashboard)
}

// reconcileBuild handles dashboards without a final backend. reload is true when
// the registry knows of a completed build newer than the dashboard snapshot.
func (s *service) reconcileBuild(ctx context.Context, dashboard schema.Dashboard, allowReload bool) (resp schema.InquireResponse, reload bool) {
	log := logx.WithDashboard(ctx, dashboard)
	resp.Dashboard = dashboard

	s.builds.mu.Lock()
	rec := s.builds.recordLocked(dashboard.ID)
	if rec.built {
		if allowReload {
			s.builds.mu.Unlock()
			return resp, true
		}
		rec.built = false
	}
	obs := observation{buildActive: rec.active()}
	if !obs.buildActive && rec.task != nil {
		obs.buildErr = rec.task.err
		rec.task = nil
	}
	resp.State = deriveState(obs)
	switch resp.State {
	case schema.StateBuilding:
		resp.Status = StatusPending
		resp.BuildPending = rec.pending
		s.builds.mu.Unlock()
		log.Debug("inquire build pending")
		return resp, false
	case schema.StateBuildFailed:
		s.builds.pruneLocked(dashboard.ID)
		s.builds.mu.Unlock()
		resp.Status = errorStatus(obs.buildErr)
		log.Info("inquire build failed", "err", obs.buildErr)
		return resp, false
	}

	buildCtx, cancel := context.WithTimeout(s.baseCtx, s.cfg.StartTimeout)
	task := newBuildTask(cancel)
	rec.task = task
	rec.pending = true
	s.builds.wg.Add(1)
	s.builds.mu.Unlock()

	go s.runBuild(buildCtx, dashboard, task)
	resp.State = schema.StateBuilding
	resp.Status = StatusStarted
	resp.BuildPending = true
	log.Info("inquire build started")
	return resp, false
}

// reconcileBackend reads the final backend state and triggers a respawn when dormant.
func (s *service) reconcileBackend(ctx context.Context, dashboard schema.Dashboard) (schema.InquireResponse, error) {
	log := logx.WithDashboard(ctx, dashboard).With("process", dashboard.FinalBackend)
	state, err := s.spawner.State(ctx, dashboard.Owner, dashboard.FinalBackend)
	if err != nil {
		log.Warn("inquire backend state failed", "err", err)
		return schema.InquireResponse{}, fmt.Errorf("backend state %q: %w", dashboard.FinalBackend, err)
	}
	resp := schema.InquireResponse{Dashboard: dashboard}

	s.builds.mu.Lock()
	rec := s.builds.recordLocked(dashboard.ID)
	rec.built = false
	resp.BuildPending = rec.pending
	obs := observation{
		finalBackend: true,
		backend:      state,
		respawning:   rec.respawning() || s.guard.pending(dashboard.Owner, dashboard.FinalBackend),
	}
	resp.State = deriveState(obs)
	if resp.State == schema.StateBackendDormant && rec.respawnErr != nil {
		respawnErr := rec.respawnErr
		rec.respawnErr = nil
		s.builds.pruneLocked(dashboard.ID)
		s.builds.mu.Unlock()
		resp.Status = errorStatus(respawnErr)
		log.Info("inquire respawn failed", "err", respawnErr)
		return resp, nil
	}
	switch resp.State {
	case schema.StateBackendRunning:
		rec.respawnErr = nil
		s.builds.pruneLocked(dashboard.ID)
		s.builds.mu.Unlock()
		resp.Status = StatusRunning
		log.Debug("inquire backend running")
		return resp, nil
	case schema.StateBackendPending:
		s.builds.mu.Unlock()
		resp.Status = StatusSpawning
		log.Debug("inquire backend pending")
		return resp, nil
	}

	respawnCtx, cancel := context.WithTimeout(s.baseCtx, s.cfg.StartTimeout)
	task := newBuildTask(cancel)
	rec.respawn = task
	s.builds.wg.Add(1)
	s.builds.mu.Unlock()

	go s.runRespawn(respawnCtx, dashboard, task)
	resp.Status = StatusDormant
	log.Info("inquire backend respawn started", "state", state)
	return resp, nil
}

func (s *service) runBuild(ctx context.Context, dashboard schema.Dashboard, task *buildTask) {
	defer s.builds.wg.Done()
	ctx = logx.ContextWithDashboardLogger(ctx, s.logger, dashboard)
	log := logx.WithDashboard(ctx, dashboard)
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = NewBuildError(BuildErrorUnknown, "build", fmt.Errorf("build panic: %v", r))
		}
		s.builds.finishBuild(dashboard.ID, task, err)
		if err != nil {
			log.Warn("build failed", "err", err)
			emit(s.sink, s.now, dashboard, schema.BuildEventFailed, 100, errorStatus(err))
		}
	}()
	err = s.build(ctx, dashboard)
}

// build drives one build to completion. Dashboard fields are written only after a successful launch.
func (s *service) build(ctx context.Context, dashboard schema.Dashboard) error {
	log := logx.WithDashboard(ctx, dashboard)
	start := s.now()
	plan, err := s.builder.Start(ctx, dashboard)
	if err != nil {
		return err
	}
	emit(s.sink, s.now, dashboard, schema.BuildEventProgress, 50, "Launching backend")
	result, err := s.spawner.Launch(ctx, LaunchRequest{
		Owner:   dashboard.Owner,
		Name:    plan.Name,
		Options: plan.Options.ToMap(),
	})
	if err != nil {
		return classifyBuildError(BuildErrorSpawn, "launch", err)
	}
	if err := ctx.Err(); err != nil {
		return classifyBuildError(BuildErrorSpawn, "launch", err)
	}
	if result.State == schema.BackendAbsent || result.State == schema.BackendDormant {
		return &BuildError{Kind: BuildErrorSpawn, Op: "launch", Message: fmt.Sprintf("backend %s did not start (%s)", plan.Name, result.State)}
	}
	name := plan.Name
	if result.Name != "" {
		name = result.Name
	}

	current, err := s.store.Get(ctx, dashboard.ID)
	if err != nil {
		return classifyBuildError(BuildErrorPersist, "load", err)
	}
	started := s.now().UTC()
	current.FinalBackend = name
	current.Group = plan.Group
	current.Started = &started
	if err := s.store.Save(ctx, current); err != nil {
		return classifyBuildError(BuildErrorPersist, "save", err)
	}
	emit(s.sink, s.now, current, schema.BuildEventReady, 100, "Backend ready")
	log.Info("build ok", "process", name, "state", result.State, "duration_ms", s.now().Sub(start).Milliseconds())
	return nil
}

func (s *service) runRespawn(ctx context.Context, dashboard schema.Dashboard, task *buildTask) {
	defer s.builds.wg.Done()
	ctx = logx.ContextWithDashboardLogger(ctx, s.logger, dashboard)
	log := logx.WithDashboard(ctx, dashboard).With("process", dashboard.FinalBackend)
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = NewBuildError(BuildErrorUnknown, "respawn", fmt.Errorf("respawn panic: %v", r))
		}
		s.builds.finishRespawn(dashboard.ID, task, err)
		if err != nil {
			log.Warn("respawn failed", "err", err)
		}
	}()

	release, ok := s.guard.tryAcquire(dashboard.Owner, dashboard.FinalBackend)
	if !ok {
		log.Debug("respawn skipped", "reason", "spawn pending")
		return
	}
	defer release()

	plan, planErr := s.builder.Plan(ctx, dashboard)
	if planErr != nil {
		err = planErr
		return
	}
	if dashboard.Group.Name != "" {
		plan.Options.Environment[schema.EnvGroup] = string(dashboard.Group.Name)
	}
	if _, launchErr := s.spawner.Launch(ctx, LaunchRequest{
		Owner:   dashboard.Owner,
		Name:    dashboard.FinalBackend,
		Options: plan.Options.ToMap(),
	}); launchErr != nil {
		err = classifyBuildError(BuildErrorSpawn, "respawn", launchErr)
		return
	}
	log.Info("respawn ok")
}

func (s *service) Close(ctx context.Context) error {
	s.closeOnce.Do(s.cancel)
	done := make(chan struct{})
	go func() {
		s.builds.wg.Wait()
		close(done)
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-done:
		s.logger.Info("service closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("service close timed out", "err", ctx.Err())
		return ctx.Err()
	}
}

// loadOwned fetches a dashboard by slug and checks that it belongs to owner.
func (s *service) loadOwned(ctx context.Context, owner schema.UserID, slug schema.Slug) (schema.Dashboard, error) {
	if err := schema.ValidateUserID(owner); err != nil {
		return schema.Dashboard{}, err
	}
	if slug == "" {
		return schema.Dashboard{}, schema.ErrDashboardNotFound
	}
	dashboard, err := s.store.FindBySlug(ctx, slug)
	if err != nil {
		return schema.Dashboard{}, err
	}
	if dashboard.Owner != owner {
		logx.WithUser(ctx, owner).Error("dashboard owner mismatch", "slug", slug, "dashboard_owner", dashboard.Owner)
		return schema.Dashboard{}, fmt.Errorf("%w: dashboard user %s does not match %s", schema.ErrOwnerMismatch, dashboard.Owner, owner)
	}
	return dashboard, nil
}

func containsSource(sources []schema.ProcessRef, name schema.ProcessName) bool {
	for _, source := range sources {
		if source.Name == name {
			return true
		}
	}
	return false
}

func containsUser(users []schema.UserID, userID schema.UserID) bool {
	for _, user := range users {
		if user == userID {
			return true
		}
	}
	return false
}

func sortDashboards(dashboards []schema.Dashboard) {
	sort.Slice(dashboards, func(i, j int) bool {
		if dashboards[i].Owner != dashboards[j].Owner {
			return dashboards[i].Owner < dashboards[j].Owner
		}
		return dashboards[i].Slug < dashboards[j].Slug
	})
}
