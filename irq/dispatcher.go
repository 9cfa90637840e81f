// Package irq demultiplexes the bridge's two interrupt lines into ordered
// cascades of bit-check, act and acknowledge phases.
//
// Every phase of a cascade runs on every dispatch. Later phases observe the
// register and state side effects of earlier ones, so one dispatch may apply
// several link state transitions.
package irq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sarchlab/usb4bridge/hooking"
	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/state"
)

// HookPosDispatch marks a finished cascade. The item is a DispatchReport.
var HookPosDispatch = &hooking.HookPos{Name: "IRQDispatch"}

// Line identifies an interrupt line.
type Line = regmap.Line

// Interrupt lines.
const (
	LinePCIe   = regmap.LinePCIe
	LineSystem = regmap.LineSystem
)

// ParseLine returns the line with the given name.
func ParseLine(name string) (Line, bool) {
	return regmap.ParseLine(name)
}

// A Phase is one step of a cascade. Run reports whether the phase fired.
type Phase struct {
	Name string
	Run  func(ctx context.Context, tok *state.Token) (bool, error)
}

// DispatchReport lists the phases that fired during one dispatch, in order.
type DispatchReport struct {
	Line  Line
	Fired []string
}

// Has reports whether the named phase fired.
func (r DispatchReport) Has(name string) bool {
	for _, n := range r.Fired {
		if n == name {
			return true
		}
	}

	return false
}

// Dispatcher owns the phase order of both cascades and nothing else.
type Dispatcher struct {
	hooking.HookableBase

	space  regmap.Space
	state  *state.State
	logger *slog.Logger

	queue      QueueHandler
	completion CompletionHandler
	errs       ErrorHandler
	reset      LinkResetter
	usb        USBEvents
	trainer    Trainer
	tunnel     TunnelRequester

	pcie   []Phase
	system []Phase
}

// PCIePhases returns the names of the PCIe cascade phases in order.
func (d *Dispatcher) PCIePhases() []string {
	return names(d.pcie)
}

// SystemPhases returns the names of the system cascade phases in order.
func (d *Dispatcher) SystemPhases() []string {
	return names(d.system)
}

func names(phases []Phase) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = p.Name
	}

	return out
}

// HandlePCIe runs the PCIe event cascade. It acquires the state token for
// the whole cascade.
func (d *Dispatcher) HandlePCIe(ctx context.Context) (DispatchReport, error) {
	return d.handle(ctx, LinePCIe, d.pcie, func(f *state.Fields) {
		f.PCIeDispatches++
	})
}

// HandleSystem runs the system event cascade. It acquires the state token
// for the whole cascade.
func (d *Dispatcher) HandleSystem(ctx context.Context) (DispatchReport, error) {
	return d.handle(ctx, LineSystem, d.system, func(f *state.Fields) {
		f.SystemDispatches++
	})
}

// Handle dispatches the cascade of line.
func (d *Dispatcher) Handle(ctx context.Context, line Line) (DispatchReport, error) {
	switch line {
	case LinePCIe:
		return d.HandlePCIe(ctx)
	case LineSystem:
		return d.HandleSystem(ctx)
	default:
		return DispatchReport{Line: line}, fmt.Errorf("irq: unknown line %d", line)
	}
}

func (d *Dispatcher) handle(
	ctx context.Context,
	line Line,
	phases []Phase,
	count func(f *state.Fields),
) (DispatchReport, error) {
	report := DispatchReport{Line: line}

	tok, err := d.state.Acquire(ctx)
	if err != nil {
		return report, fmt.Errorf("irq: %s line: %w", line, err)
	}
	defer tok.Release()

	d.state.Update(tok, count)

	for _, p := range phases {
		fired, err := p.Run(ctx, tok)
		if fired {
			report.Fired = append(report.Fired, p.Name)
		}

		if err != nil {
			return report, fmt.Errorf("irq: %s phase %q: %w", line, p.Name, err)
		}
	}

	if len(report.Fired) > 0 {
		d.logger.Debug("dispatched", "line", line.String(), "fired", report.Fired)
	}

	d.InvokeHook(hooking.HookCtx{Domain: d, Pos: HookPosDispatch, Item: report})

	return report, nil
}

func (d *Dispatcher) setLink(tok *state.Token, s state.LinkState) {
	d.state.Update(tok, func(f *state.Fields) { f.Link = s })
}
