package showcase

import (
	"pkt.systems/showcase/core"
	"pkt.systems/showcase/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

// newEventFanout drops nil sinks and collapses a single sink.
func newEventFanout(sinks ...core.EventSink) core.EventSink {
	kept := make([]core.EventSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		kept = append(kept, sink)
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return eventFanout{sinks: kept}
	}
}

func (f eventFanout) OnBuildEvent(event schema.BuildEvent) {
	for _, sink := range f.sinks {
		sink.OnBuildEvent(event)
	}
}
