// Package memspawner is an in-process Spawner for development and tests.
// Processes are simulated; a launch becomes running after a configurable delay.
package memspawner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/showcase/core"
	"pkt.systems/showcase/schema"
	"pkt.systems/pslog"
)

type slotKey struct {
	owner schema.UserID
	name  schema.ProcessName
}

type slot struct {
	state   schema.BackendState
	options map[string]any
	started time.Time
}

// Spawner simulates per-user process slots.
type Spawner struct {
	mu    sync.Mutex
	slots map[slotKey]*slot
	delay time.Duration
	log   pslog.Logger
}

// Option configures a Spawner.
type Option func(*Spawner)

// WithStartDelay keeps launched processes pending for d before they run.
func WithStartDelay(d time.Duration) Option {
	return func(s *Spawner) { s.delay = d }
}

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Spawner) { s.log = logger }
}

// New constructs an in-memory spawner.
func New(opts ...Option) *Spawner {
	s := &Spawner{slots: make(map[slotKey]*slot)}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = pslog.Ctx(context.Background())
	}
	s.log = s.log.With("spawner", "memory")
	return s
}

// Seed registers a dormant slot, typically a user's workspace.
func (s *Spawner) Seed(owner schema.UserID, name schema.ProcessName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := slotKey{owner: owner, name: name}
	if _, ok := s.slots[key]; !ok {
		s.slots[key] = &slot{state: schema.BackendDormant}
	}
}

// Stop marks a slot dormant as if its process exited.
func (s *Spawner) Stop(owner schema.UserID, name schema.ProcessName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl := s.slots[slotKey{owner: owner, name: name}]; sl != nil {
		sl.state = schema.BackendDormant
	}
}

// Options returns the options of the last launch of the slot.
func (s *Spawner) Options(owner schema.UserID, name schema.ProcessName) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl := s.slots[slotKey{owner: owner, name: name}]; sl != nil {
		return sl.options
	}
	return nil
}

// ListSources lists the owner's slots.
func (s *Spawner) ListSources(_ context.Context, owner schema.UserID) ([]schema.ProcessRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.ProcessRef, 0)
	for key, sl := range s.slots {
		if key.owner != owner {
			continue
		}
		out = append(out, schema.ProcessRef{Owner: owner, Name: key.name, State: sl.state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// State reports the slot state.
func (s *Spawner) State(_ context.Context, owner schema.UserID, name schema.ProcessName) (schema.BackendState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slots[slotKey{owner: owner, name: name}]
	if sl == nil {
		return schema.BackendAbsent, nil
	}
	return sl.state, nil
}

// PollAndNotify re-reads the slot state.
func (s *Spawner) PollAndNotify(ctx context.Context, owner schema.UserID, name schema.ProcessName) (schema.BackendState, error) {
	state, err := s.State(ctx, owner, name)
	if err == nil {
		s.log.Debug("memspawner poll", "user", owner, "process", name, "state", state)
	}
	return state, err
}

// Launch starts the slot and blocks until it runs or ctx ends.
func (s *Spawner) Launch(ctx context.Context, req core.LaunchRequest) (core.LaunchResult, error) {
	if req.Owner == "" || req.Name == "" {
		return core.LaunchResult{}, errors.New("owner and name are required")
	}
	key := slotKey{owner: req.Owner, name: req.Name}
	log := s.log.With("user", req.Owner, "process", req.Name)

	s.mu.Lock()
	sl := s.slots[key]
	if sl == nil {
		sl = &slot{}
		s.slots[key] = sl
	}
	switch sl.state {
	case schema.BackendPending:
		s.mu.Unlock()
		return core.LaunchResult{}, fmt.Errorf("%w: %s", core.ErrSpawnPending, req.Name)
	case schema.BackendRunning:
		s.mu.Unlock()
		log.Debug("memspawner launch skipped", "reason", "running")
		return core.LaunchResult{Name: req.Name, State: schema.BackendRunning}, nil
	}
	sl.state = schema.BackendPending
	sl.options = req.Options
	s.mu.Unlock()
	log.Info("memspawner launch start", "delay_ms", s.delay.Milliseconds())

	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			s.mu.Lock()
			sl.state = schema.BackendDormant
			s.mu.Unlock()
			log.Warn("memspawner launch canceled", "err", ctx.Err())
			return core.LaunchResult{}, ctx.Err()
		}
	}

	s.mu.Lock()
	sl.state = schema.BackendRunning
	sl.started = time.Now()
	s.mu.Unlock()
	log.Info("memspawner launch ok")
	return core.LaunchResult{Name: req.Name, State: schema.BackendRunning}, nil
}
