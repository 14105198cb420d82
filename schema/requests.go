package schema

// Dashboard lifecycle.

// CreateDashboardRequest describes a request to create a dashboard.
type CreateDashboardRequest struct {
	Owner UserID
	Name  string
}

// CreateDashboardResponse reports the created dashboard.
type CreateDashboardResponse struct {
	Dashboard Dashboard
}

// EditDashboardRequest describes owner edits to a dashboard.
type EditDashboardRequest struct {
	Owner            UserID
	Slug             Slug
	Name             string
	Source           ProcessName
	PresentationType PresentationType
	StartPath        string
	Visitors         []UserID
	AllowAll         bool
}

// EditDashboardResponse reports the edited dashboard.
type EditDashboardResponse struct {
	Dashboard Dashboard
}

// GetDashboardRequest looks up a dashboard by owner and slug.
type GetDashboardRequest struct {
	Owner UserID
	Slug  Slug
}

// GetDashboardResponse reports the dashboard.
type GetDashboardResponse struct {
	Dashboard Dashboard
}

// ListDashboardsRequest lists dashboards visible to a user.
type ListDashboardsRequest struct {
	UserID UserID
}

// ListDashboardsResponse splits owned and visitor dashboards.
type ListDashboardsResponse struct {
	Own     []Dashboard
	Visitor []Dashboard
}

// ListSourcesRequest lists process slots a user may build from.
type ListSourcesRequest struct {
	Owner UserID
}

// ListSourcesResponse reports available sources.
type ListSourcesResponse struct {
	Sources []ProcessRef
}

// Build orchestration.

// InquireRequest asks for the build status of a dashboard.
type InquireRequest struct {
	Owner UserID
	Slug  Slug
}

// InquireResponse reports the derived state after one reconciliation step.
type InquireResponse struct {
	Dashboard    Dashboard
	State        BuildState
	Status       string
	BuildPending bool
}
