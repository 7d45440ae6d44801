// Package events carries the core's outbound event stream to subscribers.
//
// The bus is a value injected into the loop and the other core components,
// never a package global; subscribers attach by registering a callback.
// Publish is synchronous, so events reach subscribers in the order their
// state transitions committed.
package events

import (
	"sync"
	"time"

	"github.com/cogsched/cogsched/pkg/models"
)

// Bus accepts events from the core.
type Bus interface {
	Publish(ev models.Event)
}

// Handler consumes one event. Handlers must not block; slow consumers
// (sockets, files) should hand off to their own goroutine.
type Handler func(ev models.Event)

// Dispatcher fans events out to registered handlers in subscription order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
	now      func() time.Time
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{now: time.Now}
}

// Subscribe registers a handler for all subsequent events.
func (d *Dispatcher) Subscribe(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Publish stamps the event and delivers it to every handler.
func (d *Dispatcher) Publish(ev models.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.now()
	}
	d.mu.RLock()
	handlers := d.handlers
	d.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Nop is a Bus that discards everything.
type Nop struct{}

func (Nop) Publish(models.Event) {}

// Recorder captures events for tests and admin inspection.
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish appends the event.
func (r *Recorder) Publish(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Handler returns a Handler that records into r, for attaching to a
// Dispatcher.
func (r *Recorder) Handler() Handler {
	return func(ev models.Event) { r.Publish(ev) }
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events matching the type, in order.
func (r *Recorder) OfType(t models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
