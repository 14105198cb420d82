package core

import (
	"context"

	"pkt.systems/showcase/schema"
)

// Service is the transport-agnostic API for dashboards and their builds.
type Service interface {
	CreateDashboard(ctx context.Context, req schema.CreateDashboardRequest) (schema.CreateDashboardResponse, error)
	EditDashboard(ctx context.Context, req schema.EditDashboardRequest) (schema.EditDashboardResponse, error)
	GetDashboard(ctx context.Context, req schema.GetDashboardRequest) (schema.GetDashboardResponse, error)
	ListDashboards(ctx context.Context, req schema.ListDashboardsRequest) (schema.ListDashboardsResponse, error)
	ListSources(ctx context.Context, req schema.ListSourcesRequest) (schema.ListSourcesResponse, error)
	// Inquire runs one reconciliation step for a dashboard and never waits for a build.
	Inquire(ctx context.Context, req schema.InquireRequest) (schema.InquireResponse, error)
	// Close cancels in-flight builds and waits for them to finish.
	Close(ctx context.Context) error
}
