package core

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"pkt.systems/showcase/internal/logx"
	"pkt.systems/showcase/schema"
)

// Namespace holds the values available to the server name template.
type Namespace map[string]string

// LaunchPlan is the outcome of a successful Builder.Start.
type LaunchPlan struct {
	Name    schema.ProcessName
	Options schema.LaunchOptions
	Group   schema.GroupRef
}

// Builder computes the final backend name and launch options for a dashboard.
type Builder struct {
	cfg     schema.ServiceConfig
	spawner Spawner
	options OptionsProvider
	guard   *spawnGuard
	sink    EventSink
	now     func() time.Time
}

func newBuilder(cfg schema.ServiceConfig, spawner Spawner, options OptionsProvider, guard *spawnGuard, sink EventSink, now func() time.Time) *Builder {
	if options == nil {
		options = NoOptions{}
	}
	return &Builder{cfg: cfg, spawner: spawner, options: options, guard: guard, sink: sink, now: now}
}

// Start prepares a launch plan for a new build. It never writes dashboard state.
func (b *Builder) Start(ctx context.Context, dashboard schema.Dashboard) (LaunchPlan, error) {
	log := logx.WithDashboard(ctx, dashboard)
	log.Info("builder start")
	b.progress(dashboard, 10, "Starting builder")

	plan, err := b.Plan(ctx, dashboard)
	if err != nil {
		log.Warn("builder start failed", "err", err)
		return LaunchPlan{}, err
	}
	if err := b.pollIfDormant(ctx, dashboard.Owner, plan.Name); err != nil {
		log.Warn("builder start failed", "err", err)
		return LaunchPlan{}, classifyBuildError(BuildErrorSpawn, "poll", err)
	}
	b.progress(dashboard, 30, "Launch options ready")
	log.Info("builder start ok", "process", plan.Name, "presentation_type", plan.Options.PresentationType)
	return plan, nil
}

// Plan computes the process name, visitor group and launch options.
func (b *Builder) Plan(ctx context.Context, dashboard schema.Dashboard) (LaunchPlan, error) {
	ns := b.namespace(dashboard)
	name, err := formatTemplate(b.cfg.ServerNameTemplate, ns)
	if err != nil {
		return LaunchPlan{}, &BuildError{Kind: BuildErrorConfiguration, Op: "template", Err: err, Status: http.StatusBadRequest}
	}
	extra, err := b.options.PrespawnOptions(ctx, dashboard, ns)
	if err != nil {
		return LaunchPlan{}, classifyBuildError(BuildErrorOptions, "prespawn_options", err)
	}
	if !b.cfg.AllowNamedBackends {
		return LaunchPlan{}, &BuildError{
			Kind:    BuildErrorConfiguration,
			Op:      "named_backends",
			Message: "Named servers are not enabled.",
			Status:  http.StatusBadRequest,
		}
	}

	group := b.group(dashboard)
	anyone := "0"
	if dashboard.AllowAll {
		anyone = "1"
	}
	return LaunchPlan{
		Name: schema.ProcessName(name),
		Options: schema.LaunchOptions{
			PresentationType: b.presentation(dashboard),
			PresentationPath: dashboard.StartPath,
			Command:          append([]string(nil), b.cfg.Command...),
			Environment: map[string]string{
				schema.EnvAnyone: anyone,
				schema.EnvGroup:  string(group.Name),
			},
			Extra: extra,
		},
		Group: group,
	}, nil
}

// pollIfDormant refreshes a ready-but-idle slot so a process that died silently is noticed.
func (b *Builder) pollIfDormant(ctx context.Context, owner schema.UserID, name schema.ProcessName) error {
	state, err := b.spawner.State(ctx, owner, name)
	if err != nil {
		return err
	}
	if state != schema.BackendDormant {
		return nil
	}
	release, ok := b.guard.tryAcquire(owner, name)
	if !ok {
		logx.WithUser(ctx, owner).Debug("builder poll skipped", "process", name, "reason", "spawn pending")
		return nil
	}
	defer release()
	state, err = b.spawner.PollAndNotify(ctx, owner, name)
	if err != nil {
		return err
	}
	logx.WithUser(ctx, owner).Debug("builder poll ok", "process", name, "state", state)
	return nil
}

func (b *Builder) presentation(dashboard schema.Dashboard) schema.PresentationType {
	if dashboard.PresentationType == "" {
		return b.cfg.DefaultPresentationType
	}
	return dashboard.PresentationType
}

func (b *Builder) namespace(dashboard schema.Dashboard) Namespace {
	return Namespace{
		"username":          string(dashboard.Owner),
		"urlname":           string(dashboard.Slug),
		"dashboard_id":      string(dashboard.ID),
		"presentation_type": string(b.presentation(dashboard)),
	}
}

func (b *Builder) group(dashboard schema.Dashboard) schema.GroupRef {
	seen := map[schema.UserID]struct{}{dashboard.Owner: {}}
	members := make([]schema.UserID, 0, len(dashboard.Visitors))
	for _, visitor := range dashboard.Visitors {
		if _, ok := seen[visitor]; ok || visitor == "" {
			continue
		}
		seen[visitor] = struct{}{}
		members = append(members, visitor)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return schema.GroupRef{
		Name:    schema.GroupName(b.cfg.GroupPrefix + string(dashboard.Slug)),
		Members: members,
	}
}

func (b *Builder) progress(dashboard schema.Dashboard, progress int, message string) {
	emit(b.sink, b.now, dashboard, schema.BuildEventProgress, progress, message)
}

func emit(sink EventSink, now func() time.Time, dashboard schema.Dashboard, kind schema.BuildEventKind, progress int, message string) {
	if sink == nil {
		return
	}
	sink.OnBuildEvent(schema.BuildEvent{
		Kind:        kind,
		DashboardID: dashboard.ID,
		Owner:       dashboard.Owner,
		Slug:        dashboard.Slug,
		Progress:    progress,
		Message:     message,
		Timestamp:   now(),
	})
}

// formatTemplate substitutes {key} placeholders from ns.
func formatTemplate(tmpl string, ns Namespace) (string, error) {
	var out strings.Builder
	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			out.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder in %q", tmpl)
		}
		key := rest[open+1 : open+end]
		value, ok := ns[key]
		if !ok {
			return "", fmt.Errorf("unknown placeholder {%s} in %q", key, tmpl)
		}
		out.WriteString(rest[:open])
		out.WriteString(value)
		rest = rest[open+end+1:]
	}
	name := out.String()
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("template %q produced an empty name", tmpl)
	}
	return name, nil
}
