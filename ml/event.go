// event.go - cross-backend synchronisation primitives. A real GPU driver
// would hand back an opaque event object bound to its command queue; in a
// pure-Go reference implementation there is no such object to bind to, so
// Event is implemented with a channel that Record closes and Wait drains
// and rearms for the next pipeline cycle -- idiomatic Go rather than a
// literal port of a driver handle.
package ml

import "sync"

// Event is a single-slot synchronisation point: Record marks the point in
// a backend's submission stream reached; Wait blocks until the most recent
// Record happened, then rearms itself for the next cycle.
type Event struct {
	mu       sync.Mutex
	ch       chan struct{}
	recorded bool
}

// NewEvent returns an unrecorded event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Record signals that all work enqueued before this call has completed.
// Safe to call even if nothing is waiting.
func (e *Event) Record() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.recorded {
		close(e.ch)
		e.recorded = true
	}
}

// Wait blocks until Record has been called since the last Wait, then
// rearms the event for the next cycle.
func (e *Event) Wait() {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()

	<-ch

	e.mu.Lock()
	if e.recorded {
		e.ch = make(chan struct{})
		e.recorded = false
	}
	e.mu.Unlock()
}

// Recorded reports whether Record has been called since the last Wait,
// without blocking.
func (e *Event) Recorded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recorded
}

// EventRing holds one Event per (backend, copy-slot) pair, indexed
// [backendID][copy], backing pipelined multi-copy execution.
type EventRing struct {
	events [][]*Event
}

// NewEventRing allocates an nBackends x nCopies ring of events, each
// pre-signalled so a first-cycle Wait never blocks on a slot that has not
// recorded anything yet.
func NewEventRing(nBackends, nCopies int) *EventRing {
	if nCopies < 1 {
		nCopies = 1
	}
	r := &EventRing{events: make([][]*Event, nBackends)}
	for b := range r.events {
		r.events[b] = make([]*Event, nCopies)
		for c := range r.events[b] {
			e := NewEvent()
			e.Record()
			r.events[b][c] = e
		}
	}
	return r
}

// Get returns the event for (backendID, copy).
func (r *EventRing) Get(backendID, copy int) *Event {
	return r.events[backendID][copy]
}
