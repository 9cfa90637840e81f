package timing

import (
	"log"
	"reflect"
	"sync"

	"github.com/sarchlab/usb4bridge/hooking"
)

// A SerialEngine is an Engine that always run events one after another.
type SerialEngine struct {
	hooking.HookableBase

	timeLock       sync.RWMutex
	time           VTimeInSec
	queue          EventQueue
	secondaryQueue EventQueue

	isPaused     bool
	isPausedLock sync.Mutex
	pauseLock    sync.Mutex

	singleRunLock sync.Mutex
}

// NewSerialEngine creates a SerialEngine
func NewSerialEngine() *SerialEngine {
	e := new(SerialEngine)

	e.queue = NewEventQueue()
	e.secondaryQueue = NewEventQueue()

	return e
}

// Name returns the name of the engine.
func (e *SerialEngine) Name() string {
	return "SerialEngine"
}

// Schedule register an event to be happen in the future
func (e *SerialEngine) Schedule(evt Event) {
	now := e.readNow()
	if evt.Time() < now {
		log.Panic("scheduling an event earlier than current time")
	}

	if evt.IsSecondary() {
		e.secondaryQueue.Push(evt)

		return
	}

	e.queue.Push(evt)
}

func (e *SerialEngine) readNow() VTimeInSec {
	e.timeLock.RLock()
	t := e.time
	e.timeLock.RUnlock()

	return t
}

func (e *SerialEngine) writeNow(t VTimeInSec) {
	e.timeLock.Lock()
	e.time = t
	e.timeLock.Unlock()
}

// Run processes all the events scheduled in the SerialEngine
func (e *SerialEngine) Run() error {
	e.singleRunLock.Lock()
	defer e.singleRunLock.Unlock()

	for !e.noMoreEvent() {
		if err := e.runOne(); err != nil {
			return err
		}
	}

	return nil
}

// RunUntil processes every event scheduled no later than t, then moves the
// current time to t. Events scheduled by handlers are processed too if they
// fall within the window.
func (e *SerialEngine) RunUntil(t VTimeInSec) error {
	e.singleRunLock.Lock()
	defer e.singleRunLock.Unlock()

	for !e.noMoreEvent() && e.peekNext().Time() <= t {
		if err := e.runOne(); err != nil {
			return err
		}
	}

	if t > e.readNow() {
		e.writeNow(t)
	}

	return nil
}

// Advance runs the engine for dt seconds of simulated time.
func (e *SerialEngine) Advance(dt VTimeInSec) error {
	return e.RunUntil(e.readNow() + dt)
}

// Pending returns the number of scheduled events.
func (e *SerialEngine) Pending() int {
	return e.queue.Len() + e.secondaryQueue.Len()
}

func (e *SerialEngine) runOne() error {
	e.pauseLock.Lock()
	defer e.pauseLock.Unlock()

	evt := e.nextEvent()
	now := e.readNow()

	if evt.Time() < now {
		log.Panicf(
			"cannot run event in the past, evt %s @ %.10f, now %.10f",
			reflect.TypeOf(evt), evt.Time(), now,
		)
	}

	e.writeNow(evt.Time())

	hookCtx := hooking.HookCtx{
		Domain: e,
		Pos:    HookPosBeforeEvent,
		Item:   evt,
	}
	e.InvokeHook(hookCtx)

	err := evt.Handler().Handle(evt)

	hookCtx.Pos = HookPosAfterEvent
	e.InvokeHook(hookCtx)

	return err
}

func (e *SerialEngine) noMoreEvent() bool {
	return e.queue.Len() == 0 && e.secondaryQueue.Len() == 0
}

func (e *SerialEngine) peekNext() Event {
	if e.queue.Len() == 0 {
		return e.secondaryQueue.Peek()
	}

	if e.secondaryQueue.Len() == 0 {
		return e.queue.Peek()
	}

	primaryEvt := e.queue.Peek()
	secondaryEvt := e.secondaryQueue.Peek()

	if primaryEvt.Time() <= secondaryEvt.Time() {
		return primaryEvt
	}

	return secondaryEvt
}

func (e *SerialEngine) nextEvent() Event {
	if e.queue.Len() == 0 {
		return e.secondaryQueue.Pop()
	}

	if e.secondaryQueue.Len() == 0 {
		return e.queue.Pop()
	}

	primaryEvt := e.queue.Peek()
	secondaryEvt := e.secondaryQueue.Peek()

	if primaryEvt.Time() <= secondaryEvt.Time() {
		e.queue.Pop()
		return primaryEvt
	}

	e.secondaryQueue.Pop()

	return secondaryEvt
}

// Pause prevents the SerialEngine to trigger more events.
func (e *SerialEngine) Pause() {
	e.isPausedLock.Lock()
	defer e.isPausedLock.Unlock()

	if e.isPaused {
		return
	}

	e.pauseLock.Lock()
	e.isPaused = true
}

// Continue allows the SerialEngine to trigger more events.
func (e *SerialEngine) Continue() {
	e.isPausedLock.Lock()
	defer e.isPausedLock.Unlock()

	if !e.isPaused {
		return
	}

	e.pauseLock.Unlock()
	e.isPaused = false
}

// Now returns the current time at which the engine is at.
// Specifically, the run time of the current event.
func (e *SerialEngine) Now() VTimeInSec {
	return e.readNow()
}
