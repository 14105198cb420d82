package core

import (
	"context"
	"errors"

	"pkt.systems/showcase/schema"
)

// ErrSpawnPending indicates a spawn is already in progress for the process slot.
var ErrSpawnPending = errors.New("spawn already pending")

// LaunchRequest asks the spawner to start a named process.
type LaunchRequest struct {
	Owner   schema.UserID
	Name    schema.ProcessName
	Options map[string]any
}

// LaunchResult reports the launched process.
type LaunchResult struct {
	Name  schema.ProcessName
	State schema.BackendState
	URL   string
}

// Spawner is the process-lifecycle subsystem the orchestrator drives.
// It is the authority on whether a named process is alive.
type Spawner interface {
	// ListSources lists the owner's process slots.
	ListSources(ctx context.Context, owner schema.UserID) ([]schema.ProcessRef, error)
	State(ctx context.Context, owner schema.UserID, name schema.ProcessName) (schema.BackendState, error)
	// PollAndNotify refreshes the state of a slot so a dead process is noticed.
	PollAndNotify(ctx context.Context, owner schema.UserID, name schema.ProcessName) (schema.BackendState, error)
	// Launch starts the process and returns once it is running or has failed.
	Launch(ctx context.Context, req LaunchRequest) (LaunchResult, error)
}

// DashboardStore persists dashboard records.
type DashboardStore interface {
	// Create inserts a new dashboard. It returns schema.ErrSlugTaken on slug collision.
	Create(ctx context.Context, dashboard schema.Dashboard) error
	Save(ctx context.Context, dashboard schema.Dashboard) error
	Get(ctx context.Context, id schema.DashboardID) (schema.Dashboard, error)
	// FindBySlug returns schema.ErrDashboardNotFound when no record matches.
	FindBySlug(ctx context.Context, slug schema.Slug) (schema.Dashboard, error)
	List(ctx context.Context) ([]schema.Dashboard, error)
}

// OptionsProvider contributes presentation-specific launch options.
type OptionsProvider interface {
	PrespawnOptions(ctx context.Context, dashboard schema.Dashboard, ns Namespace) (map[string]any, error)
}

// NoOptions is the default OptionsProvider. It contributes nothing.
type NoOptions struct{}

// PrespawnOptions returns an empty mapping.
func (NoOptions) PrespawnOptions(context.Context, schema.Dashboard, Namespace) (map[string]any, error) {
	return map[string]any{}, nil
}

// EventSink receives build progress events from the core service.
type EventSink interface {
	OnBuildEvent(event schema.BuildEvent)
}
