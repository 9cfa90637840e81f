// Package silicon models the bridge hardware around the PCIe core: the
// register file, the transaction unit, the PHY and an NVMe endpoint on the
// far side of the link.
//
// Time is simulated. Every register access software makes through Space
// costs one clock cycle, so status polls make progress, and Delay moves time
// forward without sleeping.
package silicon

import (
	"context"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/sarchlab/usb4bridge/logging"
	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/timing"
)

// InterruptSink receives interrupt line assertions. It is called from inside
// the simulation and must neither block nor access the chip's Space.
type InterruptSink func(line regmap.Line)

// Chip is a simulated bridge chip.
type Chip struct {
	name     string
	regs     *regmap.File
	engine   *timing.SerialEngine
	freq     timing.Freq
	unit     *transactionUnit
	phy      *PHY
	endpoint Endpoint
	host     *Host
	logger   *slog.Logger

	clockLock sync.Mutex

	sinkLock sync.RWMutex
	sink     InterruptSink
}

// Name returns the name of the chip.
func (c *Chip) Name() string {
	return c.name
}

// Registers returns the register file. Accesses through it cost no time.
func (c *Chip) Registers() *regmap.File {
	return c.regs
}

// Space returns the clocked register space software should use.
func (c *Chip) Space() regmap.Space {
	return clockedSpace{chip: c}
}

// Engine returns the simulation engine.
func (c *Chip) Engine() *timing.SerialEngine {
	return c.engine
}

// Freq returns the clock frequency.
func (c *Chip) Freq() timing.Freq {
	return c.freq
}

// Now returns the simulated time.
func (c *Chip) Now() timing.VTimeInSec {
	return c.engine.Now()
}

// Cycles returns the number of clock cycles since reset.
func (c *Chip) Cycles() uint64 {
	return c.freq.Cycle(c.engine.Now())
}

// PHY returns the physical layer.
func (c *Chip) PHY() *PHY {
	return c.phy
}

// Host returns the stand-in for the surrounding firmware.
func (c *Chip) Host() *Host {
	return c.host
}

// Endpoint returns the device behind the link.
func (c *Chip) Endpoint() Endpoint {
	return c.endpoint
}

// SetFault injects a fault into the following transactions.
func (c *Chip) SetFault(f Fault) {
	c.unit.setFault(f)
}

// Transactions returns the number of transactions triggered.
func (c *Chip) Transactions() int {
	return c.unit.count()
}

// Connect routes interrupt assertions to sink.
func (c *Chip) Connect(sink InterruptSink) {
	c.sinkLock.Lock()
	c.sink = sink
	c.sinkLock.Unlock()
}

func (c *Chip) assert(line regmap.Line) {
	c.sinkLock.RLock()
	sink := c.sink
	c.sinkLock.RUnlock()

	if sink != nil {
		sink(line)
	}
}

// RaiseSystem raises system status bits and asserts the system line.
func (c *Chip) RaiseSystem(bits uint8) {
	c.regs.Raise(regmap.SysIntStatus, bits)
	c.assert(regmap.LineSystem)
}

// RaiseNVMe raises NVMe status bits and the system NVMe bit.
func (c *Chip) RaiseNVMe(bits uint8) {
	c.regs.Raise(regmap.NVMeIntStatus, bits)
	c.RaiseSystem(regmap.SysIntNVMe)
}

// RaiseUSBMaster raises USB master status bits and the system USB bit.
func (c *Chip) RaiseUSBMaster(bits uint8) {
	c.regs.Raise(regmap.USBMasterStatus, bits)
	c.RaiseSystem(regmap.SysIntUSBMaster)
}

// RaiseLink raises link status bits and asserts the PCIe line.
func (c *Chip) RaiseLink(bits uint8) {
	c.regs.Raise(regmap.LinkStatus, bits)
	c.assert(regmap.LinePCIe)
}

// RaiseLinkAux raises secondary link event bits without an interrupt.
func (c *Chip) RaiseLinkAux(bits uint8) {
	c.regs.Raise(regmap.LinkEventAux, bits)
}

// RaiseSource marks a queue event source pending and asserts the PCIe line.
func (c *Chip) RaiseSource(q regmap.Queue) {
	addr := regmap.IntSourceA
	if q == regmap.QueueB {
		addr = regmap.IntSourceB
	}

	c.regs.Raise(addr, regmap.SourcePending)
	c.assert(regmap.LinePCIe)
}

// Delay moves simulated time forward by d, running every event due.
func (c *Chip) Delay(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.advance(timing.Seconds(d))

	return nil
}

func (c *Chip) tick() {
	c.advance(c.freq.Period())
}

func (c *Chip) advance(dt timing.VTimeInSec) {
	c.clockLock.Lock()
	defer c.clockLock.Unlock()

	if err := c.engine.Advance(dt); err != nil {
		log.Panicf("silicon: event failed: %v", err)
	}
}

func (c *Chip) reset() {
	c.regs.Load(regmap.SysIntEnable,
		regmap.SysIntUSBMaster|regmap.SysIntTunnelRequest|regmap.SysIntNVMe)
	c.regs.Load(regmap.USBMasterEnable, 0xFF)
	c.regs.Load(regmap.NVMeIntEnable, regmap.NVMeIntDoorbell)
	c.regs.Load(regmap.CPUMode, regmap.CPUModeNVMe)
}

// clockedSpace charges one cycle for every access.
type clockedSpace struct {
	chip *Chip
}

func (s clockedSpace) Read(addr regmap.Addr) uint8 {
	v := s.chip.regs.Read(addr)
	s.chip.tick()

	return v
}

func (s clockedSpace) Write(addr regmap.Addr, v uint8) {
	s.chip.regs.Write(addr, v)
	s.chip.tick()
}

// Builder can build chips.
type Builder struct {
	freq            timing.Freq
	busyLatency     int
	completeLatency int
	trainLatency    int
	lanes           uint8
	speed           uint8
	endpoint        Endpoint
	logger          *slog.Logger
}

// Default endpoint layout.
const (
	DefaultBARBase uint32 = 0x0020_0000
	DefaultBARSize uint64 = 1 << 20
)

// DefaultIdentity is the identity of the default endpoint.
var DefaultIdentity = Identity{
	VendorID: 0x1987,
	DeviceID: 0x5016,
	Revision: 0x01,
	Class:    NVMeClass,
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		freq:            100 * timing.MHz,
		busyLatency:     2,
		completeLatency: 8,
		trainLatency:    100,
		lanes:           0x0F,
		speed:           3,
	}
}

// WithFreq sets the clock frequency.
func (b Builder) WithFreq(f timing.Freq) Builder {
	b.freq = f
	return b
}

// WithBusyLatency sets the cycles between trigger and Busy.
func (b Builder) WithBusyLatency(n int) Builder {
	b.busyLatency = n
	return b
}

// WithCompleteLatency sets the cycles between trigger and completion.
func (b Builder) WithCompleteLatency(n int) Builder {
	b.completeLatency = n
	return b
}

// WithTrainLatency sets the cycles a PHY training round takes.
func (b Builder) WithTrainLatency(n int) Builder {
	b.trainLatency = n
	return b
}

// WithLanes sets the lane capability mask of the PHY.
func (b Builder) WithLanes(mask uint8) Builder {
	b.lanes = mask & regmap.LaneMaskBits
	return b
}

// WithSpeed sets the link speed the PHY negotiates.
func (b Builder) WithSpeed(s uint8) Builder {
	b.speed = s & 0x07
	return b
}

// WithEndpoint sets the device behind the link.
func (b Builder) WithEndpoint(e Endpoint) Builder {
	b.endpoint = e
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// Build creates a chip out of reset.
func (b Builder) Build(name string) *Chip {
	if b.completeLatency < b.busyLatency {
		log.Panic("silicon: completion cannot precede busy")
	}

	c := &Chip{
		name:     name,
		regs:     regmap.NewFile(),
		engine:   timing.NewSerialEngine(),
		freq:     b.freq,
		endpoint: b.endpoint,
		host:     NewHost(),
		logger:   b.logger,
	}

	if c.logger == nil {
		c.logger = logging.For(logging.ComponentSilicon)
	}

	if c.endpoint == nil {
		c.endpoint = NewNVMeEndpoint(DefaultIdentity, DefaultBARBase, DefaultBARSize)
	}

	c.unit = &transactionUnit{
		chip:            c,
		busyLatency:     b.busyLatency,
		completeLatency: b.completeLatency,
	}
	c.phy = &PHY{
		chip:    c,
		lanes:   b.lanes,
		speed:   b.speed,
		latency: b.trainLatency,
	}

	c.regs.OnWrite(regmap.TLPTrigger, c.unit.onTrigger)
	c.reset()

	if c.logger.Enabled(context.Background(), slog.LevelDebug) {
		c.engine.AcceptHook(timing.NewEventLogger(c.logger))
	}

	return c
}
