package schema

import "time"

// UserID identifies a user in the system.
type UserID string

// DashboardID is the opaque identity of a dashboard.
type DashboardID string

// Slug is the URL-safe unique name of a dashboard.
type Slug string

// ProcessName names a backend process slot owned by a user.
type ProcessName string

// GroupName identifies a visitor group.
type GroupName string

// PresentationType tags the presentation technology of a dashboard.
type PresentationType string

// DefaultPresentationType is used when a dashboard does not choose one.
const DefaultPresentationType PresentationType = "voila"

// GroupRef describes who may view a dashboard.
type GroupRef struct {
	Name    GroupName `json:"name"`
	Members []UserID  `json:"members,omitempty"`
}

// Has reports whether the user is a member of the group.
func (g GroupRef) Has(userID UserID) bool {
	for _, member := range g.Members {
		if member == userID {
			return true
		}
	}
	return false
}

// Dashboard is the persisted dashboard record.
type Dashboard struct {
	ID               DashboardID      `json:"id"`
	Owner            UserID           `json:"owner"`
	Slug             Slug             `json:"slug"`
	Name             string           `json:"name"`
	Source           ProcessName      `json:"source,omitempty"`
	PresentationType PresentationType `json:"presentation_type,omitempty"`
	StartPath        string           `json:"start_path,omitempty"`
	Visitors         []UserID         `json:"visitors,omitempty"`
	AllowAll         bool             `json:"allow_all,omitempty"`
	Group            GroupRef         `json:"group"`
	FinalBackend     ProcessName      `json:"final_backend,omitempty"`
	Started          *time.Time       `json:"started,omitempty"`
	Created          time.Time        `json:"created"`
}

// HasFinalBackend reports whether a dedicated backend has been recorded.
func (d Dashboard) HasFinalBackend() bool {
	return d.FinalBackend != ""
}

// VisibleTo reports whether the user may view the dashboard.
func (d Dashboard) VisibleTo(userID UserID) bool {
	if userID == "" {
		return false
	}
	if d.Owner == userID || d.AllowAll {
		return true
	}
	if d.Group.Has(userID) {
		return true
	}
	for _, visitor := range d.Visitors {
		if visitor == userID {
			return true
		}
	}
	return false
}

// Validate checks record invariants.
func (d Dashboard) Validate() error {
	if d.ID == "" || d.Owner == "" || d.Slug == "" {
		return ErrInvalidDashboard
	}
	if (d.Started != nil) != d.HasFinalBackend() {
		return ErrInvalidDashboard
	}
	return nil
}

// ProcessRef describes a process slot a dashboard may be built from.
type ProcessRef struct {
	Owner UserID       `json:"owner"`
	Name  ProcessName  `json:"name"`
	State BackendState `json:"state"`
}

// BackendState is the spawner-owned state of a named process slot.
type BackendState string

const (
	// BackendAbsent means the slot does not exist.
	BackendAbsent BackendState = "absent"
	// BackendPending means the process is starting or stopping.
	BackendPending BackendState = "pending"
	// BackendDormant means the slot exists but the process is not running.
	BackendDormant BackendState = "dormant"
	// BackendRunning means the process is confirmed running.
	BackendRunning BackendState = "running"
)

// BuildState is the derived lifecycle state of a dashboard.
type BuildState string

const (
	// StateNoBackend means no final backend and no build in flight.
	StateNoBackend BuildState = "NO_BACKEND"
	// StateBuilding means a build task is in flight.
	StateBuilding BuildState = "BUILDING"
	// StateBuildFailed means the last finished build ended in error.
	StateBuildFailed BuildState = "BUILD_FAILED"
	// StateBackendPending means the final backend is still starting.
	StateBackendPending BuildState = "BACKEND_PENDING"
	// StateBackendDormant means the final backend needs a spawn trigger.
	StateBackendDormant BuildState = "BACKEND_DORMANT"
	// StateBackendRunning means the final backend is running.
	StateBackendRunning BuildState = "BACKEND_RUNNING"
)
