// Package tunnel switches the PCIe link between direct NVMe operation and
// USB4 tunnel operation.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sarchlab/usb4bridge/hooking"
	"github.com/sarchlab/usb4bridge/logging"
	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/state"
)

// HookPosTunnelRequested marks a recorded tunnel request. The item is the
// requested state.AdapterConfig.
var HookPosTunnelRequested = &hooking.HookPos{Name: "TunnelRequested"}

// HookPosTunnelEnabled marks a finished switch to tunnel mode. The item is
// the programmed state.AdapterConfig.
var HookPosTunnelEnabled = &hooking.HookPos{Name: "TunnelEnabled"}

// CapPattern is written into both capability pattern regions.
var CapPattern = [regmap.CapPatternLen]uint8{0x06, 0x04, 0x00}

// Platform bits set at the end of bring-up.
const (
	PlatformPHYTunnel   uint8 = 1 << 0
	PlatformClockTunnel uint8 = 1 << 0
)

const (
	controlEnable     uint8 = 1 << 0
	adapterModeEnable uint8 = 1 << 0
	linkControlEnable uint8 = 1 << 0
	linkStateLane0    uint8 = 1 << 0
)

// USBSync quiesces the USB side before the link changes mode.
type USBSync interface {
	Synchronize()
}

// Trainer retrains the link after the mode change.
type Trainer interface {
	Train(ctx context.Context, tok *state.Token, target uint8) error
}

// Configurator performs the mode switch.
type Configurator struct {
	hooking.HookableBase

	space   regmap.Space
	state   *state.State
	usb     USBSync
	trainer Trainer
	logger  *slog.Logger
}

// RequestTunnel records a pending switch to tunnel mode with the given
// adapter fields. The switch happens on the next EnableTunnel.
func (c *Configurator) RequestTunnel(tok *state.Token, cfg state.AdapterConfig) {
	c.state.Update(tok, func(f *state.Fields) {
		f.TunnelRequested = true
		f.Adapter = cfg
	})

	c.logger.Info("tunnel requested",
		"link_lo", cfg.LinkConfigLo, "link_hi", cfg.LinkConfigHi,
		"mode", cfg.Mode, "aux", cfg.Aux)

	c.InvokeHook(hooking.HookCtx{Domain: c, Pos: HookPosTunnelRequested, Item: cfg})
}

// EnableTunnel switches to tunnel mode if a switch was requested and does
// nothing otherwise. It returns an error only if ctx ends while the link
// retrains.
func (c *Configurator) EnableTunnel(ctx context.Context, tok *state.Token) error {
	tok.MustHold()

	if !c.state.Snapshot().TunnelRequested {
		return nil
	}

	c.state.Update(tok, func(f *state.Fields) {
		f.TunnelRequested = false
		f.SeqCounterA = 0
		f.SeqCounterB = 0
	})

	c.space.Write(regmap.XferCount, 0)
	c.space.Write(regmap.DMAWorkLo, 0)
	c.space.Write(regmap.DMAWorkHi, 0)

	if c.usb != nil {
		c.usb.Synchronize()
	}

	regmap.ClearBits(c.space, regmap.TunnelControl, controlEnable)

	c.ConfigureTunnel(tok)

	regmap.ClearBits(c.space, regmap.CPUMode, regmap.CPUModeNVMe)

	if err := c.trainer.Train(ctx, tok, state.FullWidth); err != nil {
		return fmt.Errorf("tunnel: retrain after mode change: %w", err)
	}

	c.state.Update(tok, func(f *state.Fields) {
		f.LaneWorkCounter = 0
		f.MaxLogEntries = 0
	})

	cfg := c.state.Snapshot().Adapter
	c.logger.Info("tunnel enabled")
	c.InvokeHook(hooking.HookCtx{Domain: c, Pos: HookPosTunnelEnabled, Item: cfg})

	return nil
}

// ConfigureTunnel programs the adapter, path and credit registers from the
// adapter fields held in state and brings the adapter up in tunnel mode.
func (c *Configurator) ConfigureTunnel(tok *state.Token) {
	tok.MustHold()

	cfg := c.state.Snapshot().Adapter

	regmap.ClearBits(c.space, regmap.CPUMode, regmap.CPUModeNVMe)

	link := []uint8{cfg.LinkConfigLo, cfg.LinkConfigHi}
	mode := []uint8{cfg.Mode, cfg.Aux}

	for _, pair := range []struct {
		addr regmap.Addr
		data []uint8
	}{
		{regmap.TunnelLinkA, link},
		{regmap.TunnelModeA, mode},
		{regmap.TunnelCredA, link},
		{regmap.TunnelCredB, mode},
		{regmap.TunnelPathA, link},
		{regmap.TunnelPathB, mode},
	} {
		regmap.WriteBytes(c.space, pair.addr, pair.data)
	}

	regmap.WriteBytes(c.space, regmap.TunnelCapA, CapPattern[:])
	regmap.WriteBytes(c.space, regmap.TunnelCapB, CapPattern[:])

	regmap.SetBits(c.space, regmap.TunnelControl, controlEnable)
	regmap.SetBits(c.space, regmap.AdapterMode, adapterModeEnable)
	regmap.SetBits(c.space, regmap.AdapterMode, regmap.AdapterModeTunnel)
	regmap.ClearBits(c.space, regmap.TunnelControl, controlEnable)
	regmap.SetBits(c.space, regmap.LinkControl, linkControlEnable)
	regmap.ClearBits(c.space, regmap.LinkState, linkStateLane0)
	regmap.SetBits(c.space, regmap.TunnelConfig, regmap.TunnelConfigEnable)

	regmap.SetBits(c.space, regmap.PlatformPHY, PlatformPHYTunnel)
	regmap.SetBits(c.space, regmap.PlatformClock, PlatformClockTunnel)

	c.state.Update(tok, func(f *state.Fields) { f.Mode = state.ModeTunnel })
}

// Builder can build configurators.
type Builder struct {
	space   regmap.Space
	state   *state.State
	usb     USBSync
	trainer Trainer
	logger  *slog.Logger
}

// MakeBuilder creates a builder.
func MakeBuilder() Builder {
	return Builder{}
}

// WithSpace sets the register space.
func (b Builder) WithSpace(s regmap.Space) Builder {
	b.space = s
	return b
}

// WithState sets the owned state.
func (b Builder) WithState(s *state.State) Builder {
	b.state = s
	return b
}

// WithUSBSync sets the USB-side synchronization collaborator.
func (b Builder) WithUSBSync(u USBSync) Builder {
	b.usb = u
	return b
}

// WithTrainer sets the link trainer used after the mode change.
func (b Builder) WithTrainer(t Trainer) Builder {
	b.trainer = t
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// Build creates the configurator.
func (b Builder) Build() *Configurator {
	if b.space == nil || b.state == nil || b.trainer == nil {
		panic("tunnel: configurator requires a register space, a state and a trainer")
	}

	logger := b.logger
	if logger == nil {
		logger = logging.For(logging.ComponentTunnel)
	}

	return &Configurator{
		space:   b.space,
		state:   b.state,
		usb:     b.usb,
		trainer: b.trainer,
		logger:  logger,
	}
}
