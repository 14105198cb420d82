package core

import (
	"github.com/google/uuid"

	"pkt.systems/showcase/schema"
)

func newDashboardID() schema.DashboardID {
	return schema.DashboardID(uuid.NewString())
}
