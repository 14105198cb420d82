package core

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/showcase/schema"
)

// buildTask is the handle of one asynchronous build or respawn.
// err is written before done is closed.
type buildTask struct {
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

func newBuildTask(cancel context.CancelFunc) *buildTask {
	return &buildTask{done: make(chan struct{}), cancel: cancel}
}

func (t *buildTask) finished() bool {
	if t == nil {
		return true
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// buildRecord is the per-dashboard orchestration state. It is never persisted.
type buildRecord struct {
	// task is the in-flight build, or a finished build whose error has not been reported yet.
	task    *buildTask
	pending bool
	// built is set when a build persisted a final backend that the caller may not have seen yet.
	built bool

	respawn    *buildTask
	respawnErr error
}

func (r *buildRecord) active() bool {
	return r.task != nil && !r.task.finished()
}

func (r *buildRecord) respawning() bool {
	return r.respawn != nil && !r.respawn.finished()
}

func (r *buildRecord) idle() bool {
	return r.task == nil && !r.pending && !r.built && r.respawn == nil && r.respawnErr == nil
}

// registry owns every buildRecord. Check-and-mark of a new build happens under mu.
type registry struct {
	mu      sync.Mutex
	records map[schema.DashboardID]*buildRecord
	wg      sync.WaitGroup
}

func newRegistry() *registry {
	return &registry{records: make(map[schema.DashboardID]*buildRecord)}
}

func (r *registry) recordLocked(id schema.DashboardID) *buildRecord {
	rec := r.records[id]
	if rec == nil {
		rec = &buildRecord{}
		r.records[id] = rec
	}
	return rec
}

func (r *registry) pruneLocked(id schema.DashboardID) {
	if rec := r.records[id]; rec != nil && rec.idle() {
		delete(r.records, id)
	}
}

// finishBuild records a build outcome. Success and cancellation clear the handle;
// a failure keeps it so the next inquiry can report the error.
func (r *registry) finishBuild(id schema.DashboardID, task *buildTask, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordLocked(id)
	task.err = err
	if err == nil || isCancellation(err) {
		task.err = nil
		if rec.task == task {
			rec.task = nil
		}
	}
	if err == nil {
		rec.built = true
	}
	rec.pending = false
	task.cancel()
	close(task.done)
	r.pruneLocked(id)
}

func (r *registry) finishRespawn(id schema.DashboardID, task *buildTask, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordLocked(id)
	if rec.respawn == task {
		rec.respawn = nil
	}
	if err != nil && !isCancellation(err) {
		rec.respawnErr = err
	}
	task.err = err
	task.cancel()
	close(task.done)
	r.pruneLocked(id)
}

// isCancellation reports a shutdown cancellation. Timeouts are failures.
func isCancellation(err error) bool {
	if err == nil {
		return false
	}
	if IsBuildErrorKind(err, BuildErrorTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return IsBuildErrorKind(err, BuildErrorCanceled) || errors.Is(err, context.Canceled)
}
