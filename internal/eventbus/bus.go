package eventbus

import (
	"context"
	"sync"

	"pkt.systems/showcase/schema"
	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventBuild carries build progress for one of the owner's dashboards.
	EventBuild EventType = "build"
)

// Event is an owner-facing event emitted by the core service.
type Event struct {
	Type  EventType
	Build schema.BuildEvent
}

// Bus fans events out to per-owner subscribers.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.UserID]map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.UserID]map[chan Event]struct{}),
		log:   logger,
		depth: 64,
	}
}

// Subscribe registers a subscriber for the owner and returns a channel + cancel.
func (b *Bus) Subscribe(owner schema.UserID) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	ownerSubs := b.subs[owner]
	if ownerSubs == nil {
		ownerSubs = make(map[chan Event]struct{})
		b.subs[owner] = ownerSubs
	}
	ownerSubs[ch] = struct{}{}
	count := len(ownerSubs)
	b.mu.Unlock()
	b.log.With("user", owner).Debug("eventbus subscribe", "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[owner]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, owner)
				}
			}
			b.mu.Unlock()
			close(ch)
			b.log.With("user", owner).Debug("eventbus unsubscribe")
		})
	}
}

// Subscribers reports the number of live subscriptions for the owner.
func (b *Bus) Subscribers(owner schema.UserID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[owner])
}

// OnBuildEvent publishes a build event to the dashboard owner's subscribers.
func (b *Bus) OnBuildEvent(event schema.BuildEvent) {
	b.publish(event.Owner, Event{Type: EventBuild, Build: event})
}

func (b *Bus) publish(owner schema.UserID, event Event) {
	if b == nil || owner == "" {
		return
	}
	// Sends stay under mu so a concurrent cancel cannot close a channel mid-send.
	b.mu.Lock()
	dropped := 0
	for sub := range b.subs[owner] {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.log.With("user", owner).Trace("eventbus dropped", "count", dropped)
	}
}
