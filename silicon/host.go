package silicon

import (
	"maps"
	"sync"

	"github.com/sarchlab/usb4bridge/regmap"
)

// Names under which Host counts collaborator calls.
const (
	CallUSBReset   = "usb-reset"
	CallUSBSync    = "usb-sync"
	CallCompletion = "completion"
	CallError      = "error"
	CallUSBMaster  = "usb-master"
)

// Host stands in for the firmware around the PCIe core: the USB stack and
// the NVMe queue engine. It counts every call.
type Host struct {
	lock        sync.Mutex
	calls       map[string]int
	queueResult uint8
	lastMaster  uint8
}

// NewHost creates a host stand-in.
func NewHost() *Host {
	return &Host{calls: make(map[string]int)}
}

func (h *Host) record(name string) {
	h.lock.Lock()
	h.calls[name]++
	h.lock.Unlock()
}

// Calls returns how often name was called.
func (h *Host) Calls(name string) int {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.calls[name]
}

// AllCalls returns a copy of every call count.
func (h *Host) AllCalls() map[string]int {
	h.lock.Lock()
	defer h.lock.Unlock()

	return maps.Clone(h.calls)
}

// SetQueueResult sets the bits ServiceQueue reports back.
func (h *Host) SetQueueResult(v uint8) {
	h.lock.Lock()
	h.queueResult = v
	h.lock.Unlock()
}

// LastMasterEvent returns the bits of the latest USB master event.
func (h *Host) LastMasterEvent() uint8 {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.lastMaster
}

// ResetUSB reinitializes the USB side.
func (h *Host) ResetUSB() { h.record(CallUSBReset) }

// Synchronize quiesces the USB side.
func (h *Host) Synchronize() { h.record(CallUSBSync) }

// HandleCompletion finishes work waiting on a link completion.
func (h *Host) HandleCompletion() { h.record(CallCompletion) }

// HandleError runs link error recovery.
func (h *Host) HandleError() { h.record(CallError) }

// MasterEvent receives USB master events.
func (h *Host) MasterEvent(bits uint8) {
	h.lock.Lock()
	h.calls[CallUSBMaster]++
	h.lastMaster = bits
	h.lock.Unlock()
}

// ServiceQueue services queue q.
func (h *Host) ServiceQueue(q regmap.Queue) uint8 {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.calls["queue-"+q.String()]++

	return h.queueResult
}
