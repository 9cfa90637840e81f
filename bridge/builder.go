package bridge

import (
	"log/slog"
	"time"

	"github.com/sarchlab/usb4bridge/hooking"
	"github.com/sarchlab/usb4bridge/irq"
	"github.com/sarchlab/usb4bridge/link"
	"github.com/sarchlab/usb4bridge/logging"
	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/silicon"
	"github.com/sarchlab/usb4bridge/state"
	"github.com/sarchlab/usb4bridge/tlp"
	"github.com/sarchlab/usb4bridge/tunnel"
)

// PHY is the physical layer as the bridge uses it: training rounds and link
// resets.
type PHY interface {
	link.PHY
	irq.LinkResetter
}

// Collaborators are the parts of the firmware outside the PCIe core. Unset
// ones do nothing.
type Collaborators struct {
	USBReset   tlp.USBReset
	USBSync    tunnel.USBSync
	Queue      irq.QueueHandler
	Completion irq.CompletionHandler
	Errors     irq.ErrorHandler
	USBEvents  irq.USBEvents
}

// Builder can build bridges.
type Builder struct {
	space         regmap.Space
	phy           PHY
	delayer       link.Delayer
	collaborators Collaborators
	maxSpins      int
	settleDelay   time.Duration
	pollInterval  time.Duration
	queueDepth    int
	probe         ProbePolicy
	logger        *slog.Logger
	chip          *silicon.Chip
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		delayer:      link.WallClock{},
		maxSpins:     tlp.DefaultMaxSpins,
		settleDelay:  link.DefaultSettleDelay,
		pollInterval: time.Millisecond,
		queueDepth:   16,
		probe:        DefaultProbePolicy,
	}
}

// WithSpace sets the register space.
func (b Builder) WithSpace(s regmap.Space) Builder {
	b.space = s
	return b
}

// WithPHY sets the physical layer.
func (b Builder) WithPHY(p PHY) Builder {
	b.phy = p
	return b
}

// WithDelayer sets how the bridge waits.
func (b Builder) WithDelayer(d link.Delayer) Builder {
	b.delayer = d
	return b
}

// WithCollaborators sets the firmware collaborators.
func (b Builder) WithCollaborators(c Collaborators) Builder {
	b.collaborators = c
	return b
}

// WithMaxSpins sets the bound of every status poll.
func (b Builder) WithMaxSpins(n int) Builder {
	b.maxSpins = n
	return b
}

// WithSettleDelay sets the wait after each training round.
func (b Builder) WithSettleDelay(d time.Duration) Builder {
	b.settleDelay = d
	return b
}

// WithPollInterval sets how often Run checks for pending work.
func (b Builder) WithPollInterval(d time.Duration) Builder {
	b.pollInterval = d
	return b
}

// WithQueueDepth sets how many interrupt assertions may wait for dispatch.
func (b Builder) WithQueueDepth(n int) Builder {
	b.queueDepth = n
	return b
}

// WithProbePolicy sets the retry policy of Probe.
func (b Builder) WithProbePolicy(p ProbePolicy) Builder {
	b.probe = p
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// WithChip wires the bridge to a simulated chip: its clocked space, PHY,
// host stand-in and simulated delays. The chip's interrupts are connected
// when the bridge is built.
func (b Builder) WithChip(chip *silicon.Chip) Builder {
	host := chip.Host()

	b.space = chip.Space()
	b.phy = chip.PHY()
	b.delayer = chip
	b.collaborators = Collaborators{
		USBReset:   host,
		USBSync:    host,
		Queue:      host,
		Completion: host,
		Errors:     host,
		USBEvents:  host,
	}
	b.chip = chip

	return b
}

// Build creates the bridge.
func (b Builder) Build(name string) *Bridge {
	if b.space == nil || b.phy == nil {
		panic("bridge: a register space and a PHY are required")
	}

	logger := b.logger
	if logger == nil {
		logger = logging.For(logging.ComponentBridge)
	}

	st := state.New()
	c := b.collaborators

	engine := tlp.MakeBuilder().
		WithSpace(b.space).
		WithUSBReset(c.USBReset).
		WithMaxSpins(b.maxSpins).
		Build()

	trainer := link.MakeBuilder().
		WithSpace(b.space).
		WithState(st).
		WithPHY(b.phy).
		WithDelayer(b.delayer).
		WithSettleDelay(b.settleDelay).
		Build()

	configurator := tunnel.MakeBuilder().
		WithSpace(b.space).
		WithState(st).
		WithUSBSync(c.USBSync).
		WithTrainer(trainer).
		Build()

	dispatcher := irq.MakeBuilder().
		WithSpace(b.space).
		WithState(st).
		WithQueueHandler(c.Queue).
		WithCompletionHandler(c.Completion).
		WithErrorHandler(c.Errors).
		WithLinkResetter(b.phy).
		WithUSBEvents(c.USBEvents).
		WithTrainer(trainer).
		WithTunnelRequester(configurator).
		Build()

	br := &Bridge{
		name:         name,
		space:        b.space,
		state:        st,
		engine:       engine,
		trainer:      trainer,
		tunnel:       configurator,
		dispatcher:   dispatcher,
		delayer:      b.delayer,
		lines:        make(chan irq.Line, max(b.queueDepth, 1)),
		pollInterval: b.pollInterval,
		probe:        b.probe,
		logger:       logger,
	}

	if h, ok := b.space.(hooking.Hookable); ok {
		br.registers = h
	}

	if b.chip != nil {
		br.registers = b.chip.Registers()
		b.chip.Connect(br.Interrupt)
	}

	return br
}
