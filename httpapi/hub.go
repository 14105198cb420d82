package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/showcase/internal/logx"
	"pkt.systems/showcase/schema"
)

// StreamEvent is sent to SSE clients.
type StreamEvent struct {
	Seq       uint64             `json:"seq"`
	Type      string             `json:"type"`
	Build     *schema.BuildEvent `json:"build,omitempty"`
	Status    *StatusView        `json:"status,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Hub keeps a bounded build history per dashboard and broadcasts new events.
type Hub struct {
	mu          sync.Mutex
	dashboards  map[schema.DashboardID]*dashboardHub
	historySize int
}

// NewHub constructs a hub with the given per-dashboard history size.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = 64
	}
	return &Hub{
		dashboards:  make(map[schema.DashboardID]*dashboardHub),
		historySize: historySize,
	}
}

// OnBuildEvent implements core.EventSink.
func (h *Hub) OnBuildEvent(event schema.BuildEvent) {
	logx.WithUser(context.Background(), event.Owner).Trace("hub build event", "dashboard_id", event.DashboardID, "kind", event.Kind, "progress", event.Progress)
	build := event
	h.publish(event.DashboardID, StreamEvent{
		Type:      "build",
		Build:     &build,
		Timestamp: event.Timestamp,
	})
	if event.Kind != schema.BuildEventProgress {
		h.reset(event.DashboardID)
	}
}

// Subscribe registers a subscriber for a dashboard.
func (h *Hub) Subscribe(id schema.DashboardID) (<-chan StreamEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dh := h.getOrCreateLocked(id)
	ch := make(chan StreamEvent, 64)
	dh.subs[ch] = struct{}{}
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(dh.subs, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, unsub
}

// Replay returns events of the current build after the provided seq.
func (h *Hub) Replay(id schema.DashboardID, after uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	dh := h.dashboards[id]
	if dh == nil {
		return nil
	}
	events := make([]StreamEvent, 0, len(dh.history))
	for _, event := range dh.history {
		if event.Seq > after {
			events = append(events, event)
		}
	}
	return events
}

func (h *Hub) publish(id schema.DashboardID, event StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dh := h.getOrCreateLocked(id)
	dh.seq++
	event.Seq = dh.seq
	dh.history = append(dh.history, event)
	if len(dh.history) > h.historySize {
		dh.history = dh.history[len(dh.history)-h.historySize:]
	}
	dropped := 0
	for sub := range dh.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		logx.Ctx(context.Background()).Warn("hub event dropped", "dashboard_id", id, "type", event.Type, "dropped", dropped)
	}
}

// reset clears the history once a build finished so the next build replays cleanly.
// The sequence keeps counting so Last-Event-ID stays monotonic.
func (h *Hub) reset(id schema.DashboardID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if dh := h.dashboards[id]; dh != nil {
		dh.history = dh.history[:0]
	}
}

func (h *Hub) getOrCreateLocked(id schema.DashboardID) *dashboardHub {
	dh := h.dashboards[id]
	if dh == nil {
		dh = &dashboardHub{subs: make(map[chan StreamEvent]struct{})}
		h.dashboards[id] = dh
	}
	return dh
}

type dashboardHub struct {
	seq     uint64
	history []StreamEvent
	subs    map[chan StreamEvent]struct{}
}
