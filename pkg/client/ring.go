package client

import (
	"sync"

	"wavelink/pkg/protocol"
)

// eventRing retains the last N events that arrived with no listener
// registered. Diagnostics only; nothing is redelivered from here.
type eventRing struct {
	mu     sync.Mutex
	events []protocol.Event
	max    int
}

func newEventRing(max int) *eventRing {
	return &eventRing{max: max}
}

// Push appends an event, truncating the oldest entries if necessary.
func (r *eventRing) Push(e protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
	if len(r.events) > r.max {
		excess := len(r.events) - r.max
		r.events = r.events[excess:]
	}
}

// Snapshot returns a copy of the retained events, oldest first.
func (r *eventRing) Snapshot() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protocol.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Len returns the number of retained events.
func (r *eventRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
