// Package link implements the bounded-retry lane training state machine.
package link

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sarchlab/usb4bridge/hooking"
	"github.com/sarchlab/usb4bridge/logging"
	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/state"
)

// MaxAttempts is the number of PHY training rounds before the trainer gives
// up.
const MaxAttempts = 4

// DefaultSettleDelay is the wait after each PHY training round.
const DefaultSettleDelay = 200 * time.Millisecond

// HookPosTrainAttempt marks a PHY training round. The item is an Attempt.
var HookPosTrainAttempt = &hooking.HookPos{Name: "TrainAttempt"}

// HookPosTrainExhausted marks a training run that used all attempts. The item
// is the final Attempt.
var HookPosTrainExhausted = &hooking.HookPos{Name: "TrainExhausted"}

// PHY is the physical-layer training primitive.
type PHY interface {
	StartTraining()
}

// Delayer waits between training rounds.
type Delayer interface {
	Delay(ctx context.Context, d time.Duration) error
}

// WallClock waits in real time.
type WallClock struct{}

// Delay blocks for d or until ctx is done.
func (WallClock) Delay(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attempt describes one training round.
type Attempt struct {
	Number int
	Target uint8
	Weight uint8
	Mask   uint8
}

// Trainer narrows or widens the active lane mask towards a target.
type Trainer struct {
	hooking.HookableBase

	space   regmap.Space
	state   *state.State
	phy     PHY
	delayer Delayer
	settle  time.Duration
	logger  *slog.Logger
}

// Train drives the lane mask towards target. It returns nil both when the
// mask converged and when all attempts were used; the latter is logged and
// counted in state.Fields.TrainingExhausted. Only a cancelled ctx yields an
// error.
//
// A target at or above 0x0F trains to full width.
func (t *Trainer) Train(ctx context.Context, tok *state.Token, target uint8) error {
	tok.MustHold()

	weight := uint8(1)
	current := t.space.Read(regmap.LinkState) & regmap.LaneMaskBits

	t.state.Update(tok, func(f *state.Fields) {
		f.TargetLaneMask = target
		f.AttemptWeight = weight
		f.LaneMask = current
		f.TrainingRuns++
	})

	for n := 1; n <= MaxAttempts; n++ {
		if converged(target, current) {
			t.logger.Debug("lanes trained",
				"target", target, "mask", current, "attempts", n-1)
			return nil
		}

		current = merge(target, weight, current)
		regmap.Update(t.space, regmap.LinkState, regmap.LaneMaskBits, current)
		t.state.Update(tok, func(f *state.Fields) { f.LaneMask = current })

		t.phy.StartTraining()

		attempt := Attempt{Number: n, Target: target, Weight: weight, Mask: current}
		t.InvokeHook(hooking.HookCtx{Domain: t, Pos: HookPosTrainAttempt, Item: attempt})

		if err := t.delayer.Delay(ctx, t.settle); err != nil {
			return fmt.Errorf("link: training interrupted: %w", err)
		}

		weight <<= 1
		t.state.Update(tok, func(f *state.Fields) { f.AttemptWeight = weight })
	}

	t.logger.Warn("lane training exhausted",
		"target", target, "mask", current, "attempts", MaxAttempts)

	t.state.Update(tok, func(f *state.Fields) { f.TrainingExhausted++ })

	t.InvokeHook(hooking.HookCtx{
		Domain: t,
		Pos:    HookPosTrainExhausted,
		Item:   Attempt{Number: MaxAttempts, Target: target, Weight: weight, Mask: current},
	})

	return nil
}

func converged(target, current uint8) bool {
	if target < state.FullWidth {
		return current == target
	}

	return current == state.FullWidth
}

func merge(target, weight, current uint8) uint8 {
	if target < state.FullWidth {
		return (target | (weight ^ state.FullWidth)) & current
	}

	return weight | current
}

// Builder can build trainers.
type Builder struct {
	space   regmap.Space
	state   *state.State
	phy     PHY
	delayer Delayer
	settle  time.Duration
	logger  *slog.Logger
}

// MakeBuilder creates a builder with a wall-clock delayer and the default
// settle delay.
func MakeBuilder() Builder {
	return Builder{
		delayer: WallClock{},
		settle:  DefaultSettleDelay,
	}
}

// WithSpace sets the register space.
func (b Builder) WithSpace(s regmap.Space) Builder {
	b.space = s
	return b
}

// WithState sets the owned state the trainer records into.
func (b Builder) WithState(s *state.State) Builder {
	b.state = s
	return b
}

// WithPHY sets the training primitive.
func (b Builder) WithPHY(p PHY) Builder {
	b.phy = p
	return b
}

// WithDelayer sets how the trainer waits between rounds.
func (b Builder) WithDelayer(d Delayer) Builder {
	b.delayer = d
	return b
}

// WithSettleDelay sets the wait after each round.
func (b Builder) WithSettleDelay(d time.Duration) Builder {
	b.settle = d
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// Build creates the trainer.
func (b Builder) Build() *Trainer {
	if b.space == nil || b.state == nil || b.phy == nil {
		panic("link: trainer requires a register space, a state and a PHY")
	}

	logger := b.logger
	if logger == nil {
		logger = logging.For(logging.ComponentLink)
	}

	return &Trainer{
		space:   b.space,
		state:   b.state,
		phy:     b.phy,
		delayer: b.delayer,
		settle:  b.settle,
		logger:  logger,
	}
}
