package core

import (
	"time"

	"pkt.systems/pslog"
)

// ServiceDeps captures dependencies for the core service.
type ServiceDeps struct {
	Spawner   Spawner
	Store     DashboardStore
	Options   OptionsProvider
	EventSink EventSink
	Logger    pslog.Logger
	Now       func() time.Time
}
