package silicon

import (
	"sync"

	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/timing"
	"github.com/sarchlab/usb4bridge/tlp"
)

// Fault selects how the transaction unit misbehaves on the next transactions.
type Fault uint8

// Faults.
const (
	FaultNone  Fault = iota
	FaultError       // raise Error instead of Complete
	FaultHang        // raise Busy but never finish
	FaultDead        // never raise Busy
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultError:
		return "error"
	case FaultHang:
		return "hang"
	case FaultDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ParseFault converts a fault name into a Fault.
func ParseFault(name string) (Fault, bool) {
	for f := FaultNone; f <= FaultDead; f++ {
		if f.String() == name {
			return f, true
		}
	}

	return FaultNone, false
}

type transactionUnit struct {
	chip            *Chip
	busyLatency     int
	completeLatency int

	lock   sync.Mutex
	fault  Fault
	issued int
}

func (u *transactionUnit) setFault(f Fault) {
	u.lock.Lock()
	u.fault = f
	u.lock.Unlock()
}

func (u *transactionUnit) count() int {
	u.lock.Lock()
	defer u.lock.Unlock()

	return u.issued
}

func (u *transactionUnit) capture() Request {
	regs := u.chip.regs

	req := Request{
		Format:      tlp.FormatType(regs.Peek(regmap.TLPFormatType)),
		ByteEnables: regs.Peek(regmap.TLPByteEnable),
	}
	copy(req.Address[:], regs.Dump(regmap.TLPAddr0, 4))
	copy(req.Data[:], regs.Dump(regmap.TLPData0, regmap.NumDataRegs))

	return req
}

// onTrigger starts a transaction when software writes the start value.
func (u *transactionUnit) onTrigger(acc regmap.Access) {
	if acc.Value != regmap.TriggerStart {
		return
	}

	u.lock.Lock()
	u.issued++
	fault := u.fault
	u.lock.Unlock()

	req := u.capture()
	chip := u.chip
	now := chip.engine.Now()

	chip.logger.Debug("transaction triggered",
		"fmt", req.Format.String(), "fault", fault.String())

	if fault == FaultDead {
		return
	}

	chip.engine.Schedule(timing.NewFuncEvent(
		chip.freq.NCyclesLater(u.busyLatency, now), "tlp-busy",
		func() error {
			chip.regs.Raise(regmap.TLPStatus, regmap.StatusBusy)
			return nil
		}))

	if fault == FaultHang {
		return
	}

	chip.engine.Schedule(timing.NewFuncEvent(
		chip.freq.NCyclesLater(u.completeLatency, now), "tlp-complete",
		func() error {
			u.complete(req, fault)
			return nil
		}))
}

func (u *transactionUnit) complete(req Request, fault Fault) {
	regs := u.chip.regs

	if fault == FaultError {
		regs.Raise(regmap.TLPStatus, regmap.StatusError)
		return
	}

	resp := u.chip.endpoint.Handle(req)

	regs.Drive(regmap.CplCode, 0xFF, resp.Code)
	regs.Drive(regmap.CplData, 0xFF, 0)
	regs.Drive(regmap.CplDataAux, 0xFF, 0)

	if !req.IsWrite() {
		for i, v := range resp.Data {
			regs.Drive(regmap.TLPData0.Offset(i), 0xFF, v)
		}
	}

	regs.Raise(regmap.TLPStatus, regmap.StatusComplete)
}
