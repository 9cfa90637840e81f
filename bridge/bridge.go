// Package bridge assembles the PCIe core of the USB-NVMe bridge: the
// transaction engine, the link trainer, the tunnel configurator and the
// interrupt dispatcher around one owned state.
//
// The main loop and the interrupt lines run concurrently. Both go through
// the state token, so a transaction, a training run or an interrupt cascade
// always completes before the next one starts.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/usb4bridge/hooking"
	"github.com/sarchlab/usb4bridge/irq"
	"github.com/sarchlab/usb4bridge/link"
	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/state"
	"github.com/sarchlab/usb4bridge/tlp"
	"github.com/sarchlab/usb4bridge/tunnel"
)

// Bridge is one assembled PCIe core.
type Bridge struct {
	name         string
	space        regmap.Space
	state        *state.State
	engine       *tlp.Engine
	trainer      *link.Trainer
	tunnel       *tunnel.Configurator
	dispatcher   *irq.Dispatcher
	delayer      link.Delayer
	lines        chan irq.Line
	pollInterval time.Duration
	probe        ProbePolicy
	registers    hooking.Hookable
	logger       *slog.Logger
}

// Name returns the name of the bridge.
func (b *Bridge) Name() string { return b.name }

// Space returns the register space the bridge drives.
func (b *Bridge) Space() regmap.Space { return b.space }

// State returns the owned state.
func (b *Bridge) State() *state.State { return b.state }

// Engine returns the transaction engine.
func (b *Bridge) Engine() *tlp.Engine { return b.engine }

// Trainer returns the link trainer.
func (b *Bridge) Trainer() *link.Trainer { return b.trainer }

// Tunnel returns the tunnel configurator.
func (b *Bridge) Tunnel() *tunnel.Configurator { return b.tunnel }

// Dispatcher returns the interrupt dispatcher.
func (b *Bridge) Dispatcher() *irq.Dispatcher { return b.dispatcher }

// AcceptHook registers hook with the state, the engine, the trainer, the
// tunnel configurator, the dispatcher and, when it accepts hooks, the
// register file.
func (b *Bridge) AcceptHook(hook hooking.Hook) {
	for _, h := range b.hookables() {
		h.AcceptHook(hook)
	}
}

func (b *Bridge) hookables() []hooking.Hookable {
	hs := []hooking.Hookable{b.state, b.engine, b.trainer, b.tunnel, b.dispatcher}
	if b.registers != nil {
		hs = append(hs, b.registers)
	}

	return hs
}

// Interrupt queues an assertion of line. It never blocks; when the queue is
// full the assertion coalesces with the ones already waiting, since every
// cascade re-reads its status registers.
func (b *Bridge) Interrupt(line irq.Line) {
	select {
	case b.lines <- line:
	default:
		b.logger.Debug("interrupt coalesced", "line", line.String())
	}
}

// Pending returns the number of queued interrupt assertions.
func (b *Bridge) Pending() int {
	return len(b.lines)
}

// Drain dispatches every queued interrupt assertion on the calling
// goroutine, including ones raised while draining.
func (b *Bridge) Drain(ctx context.Context) ([]irq.DispatchReport, error) {
	var reports []irq.DispatchReport

	for {
		select {
		case line := <-b.lines:
			r, err := b.dispatcher.Handle(ctx, line)
			if err != nil {
				return reports, err
			}

			reports = append(reports, r)
		default:
			return reports, nil
		}
	}
}

// Step runs one main-loop iteration: a requested switch to tunnel mode is
// carried out.
func (b *Bridge) Step(ctx context.Context) error {
	if !b.state.Snapshot().TunnelRequested {
		return nil
	}

	return b.withToken(ctx, func(tok *state.Token) error {
		return b.tunnel.EnableTunnel(ctx, tok)
	})
}

// Run runs the main loop and the interrupt dispatch concurrently until ctx
// ends or either returns an error.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()

		for {
			if err := b.Step(ctx); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case line := <-b.lines:
				if _, err := b.dispatcher.Handle(ctx, line); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}

	return err
}

// Train trains the link towards target.
func (b *Bridge) Train(ctx context.Context, target uint8) error {
	return b.withToken(ctx, func(tok *state.Token) error {
		return b.trainer.Train(ctx, tok, target)
	})
}

// RequestTunnel records a pending switch to tunnel mode.
func (b *Bridge) RequestTunnel(ctx context.Context, cfg state.AdapterConfig) error {
	return b.withToken(ctx, func(tok *state.Token) error {
		b.tunnel.RequestTunnel(tok, cfg)
		return nil
	})
}

func (b *Bridge) withToken(ctx context.Context, fn func(tok *state.Token) error) error {
	tok, err := b.state.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	defer tok.Release()

	return fn(tok)
}
