package silicon

import (
	"sync"

	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/timing"
)

// PHY is the physical layer of the link. It can bring up at most the lanes in
// its capability mask.
type PHY struct {
	chip    *Chip
	lanes   uint8
	speed   uint8
	latency int

	lock     sync.Mutex
	attempts int
	resets   int
}

// Lanes returns the lane capability mask.
func (p *PHY) Lanes() uint8 {
	return p.lanes
}

// Attempts returns the number of training rounds started.
func (p *PHY) Attempts() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.attempts
}

// Resets returns the number of link resets.
func (p *PHY) Resets() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.resets
}

// StartTraining clamps the requested lane mask to the capability and, after
// the training latency, reports the negotiated speed and a link completion on
// the PCIe line.
func (p *PHY) StartTraining() {
	p.lock.Lock()
	p.attempts++
	p.lock.Unlock()

	regs := p.chip.regs
	mask := regs.Peek(regmap.LinkState) & regmap.LaneMaskBits & p.lanes
	regs.Drive(regmap.LinkState, regmap.LaneMaskBits, mask)

	at := p.chip.freq.NCyclesLater(p.latency, p.chip.engine.Now())
	p.chip.engine.Schedule(timing.NewFuncEvent(at, "phy-trained", func() error {
		regs.Drive(regmap.LinkStatus, regmap.LinkStatusSpeed,
			p.speed<<regmap.LinkStatusSpeedPos)
		regs.Raise(regmap.LinkStatus, regmap.LinkStatusDone)
		p.chip.assert(regmap.LinePCIe)

		return nil
	}))
}

// ResetLink counts a link reset.
func (p *PHY) ResetLink() {
	p.lock.Lock()
	p.resets++
	p.lock.Unlock()
}
