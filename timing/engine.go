// Package timing provides the discrete-event engine that drives the silicon
// model. Software-side code never schedules events; it only advances time by
// touching registers or waiting.
package timing

import "github.com/sarchlab/usb4bridge/hooking"

// TimeTeller can be used to get the current time.
type TimeTeller interface {
	Now() VTimeInSec
}

// EventScheduler can be used to schedule future events.
type EventScheduler interface {
	TimeTeller

	Schedule(e Event)
}

// An Engine is a unit that keeps the discrete event simulation run.
type Engine interface {
	hooking.Hookable
	EventScheduler

	// Run processes all the events until the queue drains.
	Run() error

	// RunUntil processes the events scheduled at or before t and then moves
	// the current time to t.
	RunUntil(t VTimeInSec) error

	// Pause will pause the simulation until continue is called.
	Pause()

	// Continue will continue the paused simulation
	Continue()
}
