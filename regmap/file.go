// Package regmap models the bridge's flat space of fixed-address 8-bit
// control and status registers.
//
// Software reaches registers through the Space interface. The concrete File
// decodes addresses and applies each register's bit semantics: plain
// read/write bits, write-one-to-clear status bits, and hardware-driven bits
// that ignore software writes. Hardware models use Raise and Drive to change
// status bits and OnWrite to react to software writes.
package regmap

import (
	"sync"

	"github.com/sarchlab/usb4bridge/hooking"
)

// HookPosRegRead marks a software read of a register.
var HookPosRegRead = &hooking.HookPos{Name: "RegRead"}

// HookPosRegWrite marks a software write of a register.
var HookPosRegWrite = &hooking.HookPos{Name: "RegWrite"}

// HookPosRegRaise marks a hardware-side change of a register.
var HookPosRegRaise = &hooking.HookPos{Name: "RegRaise"}

// A Space is anything software can read and write registers through.
type Space interface {
	Read(addr Addr) uint8
	Write(addr Addr, v uint8)
}

// Access is the hook item for register reads and writes.
type Access struct {
	Addr   Addr
	Value  uint8 // value read, or value written by software
	Before uint8 // register content before a write
	After  uint8 // register content after a write
}

// Semantics describes how software writes affect one register.
type Semantics struct {
	// W1C bits are cleared by writing 1 and unaffected by writing 0.
	W1C uint8

	// ReadOnly bits are driven by hardware; software writes are ignored.
	ReadOnly uint8
}

// Plain is the semantics of an ordinary read/write register.
var Plain = Semantics{}

// WriteWatcher is called after software writes a watched register.
type WriteWatcher func(acc Access)

// File is the register file of the bridge.
type File struct {
	hooking.HookableBase

	lock      sync.Mutex
	regs      [1 << 16]uint8
	semantics map[Addr]Semantics
	watchers  map[Addr][]WriteWatcher
}

// NewFile creates a register file with the bridge's register semantics
// declared.
func NewFile() *File {
	f := NewBareFile()
	DeclareBridgeLayout(f)

	return f
}

// NewBareFile creates a register file in which every address is plain.
func NewBareFile() *File {
	return &File{
		semantics: make(map[Addr]Semantics),
		watchers:  make(map[Addr][]WriteWatcher),
	}
}

// Declare sets the write semantics of a register.
func (f *File) Declare(addr Addr, s Semantics) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.semantics[addr] = s
}

// SemanticsOf returns the declared semantics of a register.
func (f *File) SemanticsOf(addr Addr) Semantics {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.semantics[addr]
}

// OnWrite registers a watcher for software writes to addr. Watchers run after
// the write has been applied and may access the register file.
func (f *File) OnWrite(addr Addr, w WriteWatcher) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.watchers[addr] = append(f.watchers[addr], w)
}

// Read returns the content of a register as software sees it.
func (f *File) Read(addr Addr) uint8 {
	f.lock.Lock()
	v := f.regs[addr]
	f.lock.Unlock()

	f.InvokeHook(hooking.HookCtx{
		Domain: f,
		Pos:    HookPosRegRead,
		Item:   Access{Addr: addr, Value: v, Before: v, After: v},
	})

	return v
}

// Write applies a software write.
func (f *File) Write(addr Addr, v uint8) {
	f.lock.Lock()
	before := f.regs[addr]
	s := f.semantics[addr]

	kept := before & s.ReadOnly
	w1c := before & s.W1C &^ v
	plain := v &^ s.W1C &^ s.ReadOnly
	after := kept | w1c | plain

	f.regs[addr] = after
	watchers := f.watchers[addr]
	f.lock.Unlock()

	acc := Access{Addr: addr, Value: v, Before: before, After: after}

	f.InvokeHook(hooking.HookCtx{
		Domain: f,
		Pos:    HookPosRegWrite,
		Item:   acc,
	})

	for _, w := range watchers {
		w(acc)
	}
}

// Peek returns a register's content without triggering hooks.
func (f *File) Peek(addr Addr) uint8 {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.regs[addr]
}

// Raise sets bits from the hardware side, bypassing write semantics.
func (f *File) Raise(addr Addr, bits uint8) {
	f.Drive(addr, bits, bits)
}

// Lower clears bits from the hardware side.
func (f *File) Lower(addr Addr, bits uint8) {
	f.Drive(addr, bits, 0)
}

// Drive replaces the masked bits of a register from the hardware side.
func (f *File) Drive(addr Addr, mask, value uint8) {
	f.lock.Lock()
	before := f.regs[addr]
	after := before&^mask | value&mask
	f.regs[addr] = after
	f.lock.Unlock()

	f.InvokeHook(hooking.HookCtx{
		Domain: f,
		Pos:    HookPosRegRaise,
		Item:   Access{Addr: addr, Value: value, Before: before, After: after},
	})
}

// Load sets a register from the hardware side without hooks. It is meant for
// reset values.
func (f *File) Load(addr Addr, v uint8) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.regs[addr] = v
}

// Dump returns the content of n registers starting at base.
func (f *File) Dump(base Addr, n int) []uint8 {
	f.lock.Lock()
	defer f.lock.Unlock()

	out := make([]uint8, n)
	for i := range out {
		out[i] = f.regs[base.Offset(i)]
	}

	return out
}

// DeclareBridgeLayout declares the semantics of the bridge's status
// registers on f. Every other register is plain.
func DeclareBridgeLayout(f *File) {
	f.Declare(TLPStatus, Semantics{W1C: StatusError | StatusComplete | StatusBusy})
	f.Declare(LinkStatus, Semantics{
		W1C:      LinkStatusDone | LinkStatusTrain | LinkStatusError | LinkStatusIdle,
		ReadOnly: LinkStatusSpeed,
	})
	f.Declare(CplCode, Semantics{ReadOnly: 0xFF})
	f.Declare(CplData, Semantics{ReadOnly: 0xFF})
	f.Declare(CplDataAux, Semantics{ReadOnly: 0xFF})
	f.Declare(LinkEventAux, Semantics{W1C: AuxCompletionPending | AuxErrorPending})

	for _, addr := range []Addr{
		SysIntStatus, USBMasterStatus, NVMeIntStatus, IntSourceA, IntSourceB,
	} {
		f.Declare(addr, Semantics{W1C: 0xFF})
	}
}
