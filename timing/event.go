package timing

import (
	"github.com/sarchlab/usb4bridge/hooking"
)

// VTimeInSec defines the time in the simulated space in the unit of second
type VTimeInSec = float64

// An Event is something going to happen in the future.
type Event interface {
	// Return the time that the event should happen
	Time() VTimeInSec

	// Returns the handler that can should handle the event
	Handler() Handler

	// IsSecondary tells if the event is a secondary event. Secondary event are
	// handled after all same-time primary events are handled.
	IsSecondary() bool
}

// HookPosBeforeEvent is a hook position that triggers before handling an event.
var HookPosBeforeEvent = &hooking.HookPos{Name: "BeforeEvent"}

// HookPosAfterEvent is a hook position that triggers after handling an event.
var HookPosAfterEvent = &hooking.HookPos{Name: "AfterEvent"}

// EventBase provides the basic fields and getters for other events
type EventBase struct {
	ID        uint64
	time      VTimeInSec
	handler   Handler
	secondary bool
}

// NewEventBase creates a new EventBase
func NewEventBase(t VTimeInSec, handler Handler) *EventBase {
	return &EventBase{
		ID:      nextEventID(),
		time:    t,
		handler: handler,
	}
}

// Time return the time that the event is going to happen
func (e EventBase) Time() VTimeInSec {
	return e.time
}

// Handler returns the handler to handle the event.
func (e EventBase) Handler() Handler {
	return e.handler
}

// IsSecondary returns true if the event is a secondary event.
func (e EventBase) IsSecondary() bool {
	return e.secondary
}

// MarkSecondary makes the event run after same-time primary events.
func (e *EventBase) MarkSecondary() {
	e.secondary = true
}

// A Handler defines a domain for the events.
//
// One event is always constraint to one Handler, which means the event can
// only be scheduled by one handler and can only directly modify that handler.
type Handler interface {
	Handle(e Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(e Event) error

// Handle calls f.
func (f HandlerFunc) Handle(e Event) error {
	return f(e)
}

// FuncEvent is an event that runs a closure when handled. The silicon model
// uses it for one-shot hardware reactions.
type FuncEvent struct {
	*EventBase
	Name string
	Fn   func() error
}

// NewFuncEvent creates an event that calls fn at time t.
func NewFuncEvent(t VTimeInSec, name string, fn func() error) *FuncEvent {
	evt := &FuncEvent{Name: name, Fn: fn}
	evt.EventBase = NewEventBase(t, HandlerFunc(func(Event) error {
		return evt.Fn()
	}))

	return evt
}
