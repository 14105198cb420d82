package schema

import "time"

// BuildEventKind categorizes build progress updates.
type BuildEventKind string

const (
	// BuildEventProgress reports build progress.
	BuildEventProgress BuildEventKind = "progress"
	// BuildEventReady reports a successful build.
	BuildEventReady BuildEventKind = "ready"
	// BuildEventFailed reports a failed build.
	BuildEventFailed BuildEventKind = "failed"
)

// BuildEvent reports a build progress update for a dashboard.
type BuildEvent struct {
	Kind        BuildEventKind `json:"kind"`
	DashboardID DashboardID    `json:"dashboard_id"`
	Owner       UserID         `json:"owner"`
	Slug        Slug           `json:"slug"`
	Progress    int            `json:"progress"`
	Message     string         `json:"message"`
	Timestamp   time.Time      `json:"timestamp"`
}
