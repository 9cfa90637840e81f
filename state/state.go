// Package state owns the bridge's persistent link and tunnel state and the
// token that grants exclusive access to the transaction hardware.
//
// The main loop, both interrupt lines and the mode-switch logic all mutate the
// same fields. Every mutation goes through State.Update while holding a
// Token, and Update checks the invariants after each transition.
package state

import (
	"fmt"
	"log"
	"sync"

	"github.com/sarchlab/usb4bridge/hooking"
)

// HookPosStateChange marks a completed state transition. The hook item is a
// Change.
var HookPosStateChange = &hooking.HookPos{Name: "StateChange"}

// LinkState is the link state enumeration shared by the trainer and the
// interrupt phases. There is no transition table; any phase may overwrite it.
type LinkState uint8

// Link states.
const (
	LinkDown       LinkState = 0x00
	LinkTraining   LinkState = 0x03
	LinkConfigured LinkState = 0x04
	LinkError      LinkState = 0x05
	LinkIdle       LinkState = 0x10
)

func (s LinkState) String() string {
	switch s {
	case LinkDown:
		return "down"
	case LinkTraining:
		return "training"
	case LinkConfigured:
		return "configured"
	case LinkError:
		return "error"
	case LinkIdle:
		return "idle"
	default:
		return fmt.Sprintf("LinkState(0x%02X)", uint8(s))
	}
}

// Valid reports whether s is one of the defined link states.
func (s LinkState) Valid() bool {
	switch s {
	case LinkDown, LinkTraining, LinkConfigured, LinkError, LinkIdle:
		return true
	}

	return false
}

// TunnelMode selects how the PCIe link is used.
type TunnelMode uint8

// Tunnel modes.
const (
	ModeDirect TunnelMode = iota
	ModeTunnel
)

func (m TunnelMode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeTunnel:
		return "tunnel"
	default:
		return fmt.Sprintf("TunnelMode(%d)", uint8(m))
	}
}

// AdapterConfig holds the four adapter fields mirrored into the tunnel
// register pairs on every mode change.
type AdapterConfig struct {
	LinkConfigLo uint8
	LinkConfigHi uint8
	Mode         uint8
	Aux          uint8
}

// FullWidth is the lane mask with all four lanes active. Targets at or above
// it mean "train to maximum width".
const FullWidth uint8 = 0x0F

// Fields is the mutable content of the state.
type Fields struct {
	Link           LinkState
	LaneMask       uint8
	TargetLaneMask uint8
	AttemptWeight  uint8

	TrainingRuns      uint64
	TrainingExhausted uint64

	Mode            TunnelMode
	Adapter         AdapterConfig
	TunnelRequested bool
	SeqCounterA     uint8
	SeqCounterB     uint8
	LaneWorkCounter uint8
	MaxLogEntries   uint8

	LaneStateCounter  uint8
	LaneStateSnapshot uint8
	CompanionBits     uint8

	PCIeDispatches   uint64
	SystemDispatches uint64
}

// Change is the hook item of HookPosStateChange.
type Change struct {
	Before Fields
	After  Fields
}

// State is the owned state object of one bridge.
type State struct {
	hooking.HookableBase

	token chan struct{}

	lock   sync.RWMutex
	fields Fields
}

// New creates a state with the link down, in direct mode, and the lane-state
// counter and companion bit seeded at bit 0.
func New() *State {
	s := &State{
		token: make(chan struct{}, 1),
	}

	s.fields.AttemptWeight = 1
	s.fields.LaneStateCounter = 0x01
	s.fields.CompanionBits = 0x01

	return s
}

// Snapshot returns a consistent copy of the fields. No token is needed.
func (s *State) Snapshot() Fields {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.fields
}

// Update applies fn to the fields under tok and checks the invariants.
func (s *State) Update(tok *Token, fn func(f *Fields)) {
	tok.mustHold(s)

	s.lock.Lock()
	before := s.fields
	after := before
	fn(&after)

	if err := after.check(); err != nil {
		s.lock.Unlock()
		log.Panicf("state: invalid transition: %v", err)
	}

	s.fields = after
	s.lock.Unlock()

	s.InvokeHook(hooking.HookCtx{
		Domain: s,
		Pos:    HookPosStateChange,
		Item:   Change{Before: before, After: after},
	})
}

func (f Fields) check() error {
	if f.LaneMask > FullWidth {
		return fmt.Errorf("lane mask 0x%02X exceeds 0x%02X", f.LaneMask, FullWidth)
	}

	if !f.Link.Valid() {
		return fmt.Errorf("unknown link state 0x%02X", uint8(f.Link))
	}

	if f.Mode != ModeDirect && f.Mode != ModeTunnel {
		return fmt.Errorf("unknown tunnel mode %d", f.Mode)
	}

	return nil
}
