package core

import "pkt.systems/showcase/schema"

// observation is everything the state machine looks at during one inquiry.
type observation struct {
	finalBackend bool
	buildActive  bool
	buildErr     error
	backend      schema.BackendState
	respawning   bool
}

// deriveState computes the lifecycle state from scratch.
func deriveState(obs observation) schema.BuildState {
	if !obs.finalBackend {
		switch {
		case obs.buildActive:
			return schema.StateBuilding
		case obs.buildErr != nil:
			return schema.StateBuildFailed
		default:
			return schema.StateNoBackend
		}
	}
	switch {
	case obs.backend == schema.BackendRunning:
		return schema.StateBackendRunning
	case obs.backend == schema.BackendPending || obs.respawning:
		return schema.StateBackendPending
	default:
		return schema.StateBackendDormant
	}
}

// Status texts reported to polling callers.
const (
	StatusStarted  = "Started build"
	StatusPending  = "Pending build"
	StatusRunning  = "Running already"
	StatusSpawning = "Final spawner is pending"
	StatusDormant  = "Final spawner is dormant - starting up..."
)

func errorStatus(err error) string {
	return "Error: " + err.Error()
}
