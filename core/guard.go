package core

import (
	"sync"

	"pkt.systems/showcase/schema"
)

type slotKey struct {
	owner schema.UserID
	name  schema.ProcessName
}

// spawnGuard marks process slots with a spawn or poll in progress.
type spawnGuard struct {
	mu   sync.Mutex
	held map[slotKey]struct{}
}

func newSpawnGuard() *spawnGuard {
	return &spawnGuard{held: make(map[slotKey]struct{})}
}

// tryAcquire marks the slot pending. ok is false when another caller holds it.
func (g *spawnGuard) tryAcquire(owner schema.UserID, name schema.ProcessName) (release func(), ok bool) {
	key := slotKey{owner: owner, name: name}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return func() {}, false
	}
	g.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, true
}

func (g *spawnGuard) pending(owner schema.UserID, name schema.ProcessName) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.held[slotKey{owner: owner, name: name}]
	return busy
}
