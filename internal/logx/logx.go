package logx

import (
	"context"

	"pkt.systems/showcase/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	userKey contextKey = iota
	dashboardKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithUser annotates the logger with the user id if present.
func WithUser(ctx context.Context, userID schema.UserID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if userID != "" {
		if current, ok := ctx.Value(userKey).(schema.UserID); ok && current == userID {
			return log
		}
		log = log.With("user", userID)
	}
	return log
}

// WithDashboard annotates the logger with owner, dashboard id and slug.
func WithDashboard(ctx context.Context, dashboard schema.Dashboard) pslog.Logger {
	log := WithUser(ctx, dashboard.Owner)
	if dashboard.ID == "" {
		return log
	}
	if current, ok := ctx.Value(dashboardKey).(schema.DashboardID); ok && current == dashboard.ID {
		return log
	}
	log = log.With("dashboard", dashboard.ID)
	if dashboard.Slug != "" {
		log = log.With("slug", dashboard.Slug)
	}
	return log
}

// ContextWithUser stores the user marker on the context for log de-duplication.
func ContextWithUser(ctx context.Context, userID schema.UserID) context.Context {
	if ctx == nil || userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, userID)
}

// ContextWithUserLogger attaches the logger and user marker to the context.
func ContextWithUserLogger(ctx context.Context, log pslog.Logger, userID schema.UserID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithUser(ctx, userID)
}

// ContextWithDashboardLogger binds a dashboard-annotated logger to the context.
// Loggers derived later with WithDashboard do not repeat the fields.
func ContextWithDashboardLogger(ctx context.Context, log pslog.Logger, dashboard schema.Dashboard) context.Context {
	if ctx == nil {
		return ctx
	}
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	if dashboard.Owner != "" {
		log = log.With("user", dashboard.Owner)
	}
	if dashboard.ID != "" {
		log = log.With("dashboard", dashboard.ID, "slug", dashboard.Slug)
	}
	ctx = pslog.ContextWithLogger(ctx, log)
	ctx = ContextWithUser(ctx, dashboard.Owner)
	if dashboard.ID != "" {
		ctx = context.WithValue(ctx, dashboardKey, dashboard.ID)
	}
	return ctx
}
