package irq

import (
	"context"
	"math/bits"

	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/state"
)

// Names of the PCIe cascade phases.
const (
	PhaseSourceA      = "source-a"
	PhaseSourceB      = "source-b"
	PhaseLinkTrain    = "link-train"
	PhaseLinkComplete = "link-complete"
	PhaseLinkError    = "link-error"
	PhaseLinkCleanup  = "link-cleanup"
)

func (d *Dispatcher) pciePhases() []Phase {
	return []Phase{
		{Name: PhaseSourceA, Run: d.sourcePhase(regmap.IntSourceA, QueueA,
			regmap.EventControlQueueA)},
		{Name: PhaseSourceB, Run: d.sourcePhase(regmap.IntSourceB, QueueB,
			regmap.EventControlQueueB)},
		{Name: PhaseLinkTrain, Run: d.linkTrain},
		{Name: PhaseLinkComplete, Run: d.linkComplete},
		{Name: PhaseLinkError, Run: d.linkError},
		{Name: PhaseLinkCleanup, Run: d.linkCleanup},
	}
}

// sourcePhase services a queue event source. The queue handler only runs
// while the queue is active and event control is armed; the source is
// acknowledged either way.
func (d *Dispatcher) sourcePhase(
	addr regmap.Addr,
	q Queue,
	merge uint8,
) func(context.Context, *state.Token) (bool, error) {
	return func(_ context.Context, _ *state.Token) (bool, error) {
		src := regmap.NewStatusRegister(d.space, addr)
		if !src.Test(regmap.SourcePending) {
			return false, nil
		}

		active := d.space.Read(regmap.QueueFlags)&regmap.QueueFlagActive != 0
		armed := d.space.Read(regmap.EventControl)&regmap.EventControlArmed ==
			regmap.EventControlArmed

		if active && armed {
			res := d.queue.ServiceQueue(q)
			regmap.SetBits(d.space, regmap.EventControl, res|merge)
		}

		src.Acknowledge(regmap.SourcePending)

		return true, nil
	}
}

func (d *Dispatcher) linkStatus() regmap.StatusRegister {
	return regmap.NewStatusRegister(d.space, regmap.LinkStatus)
}

func (d *Dispatcher) aux() regmap.StatusRegister {
	return regmap.NewStatusRegister(d.space, regmap.LinkEventAux)
}

func (d *Dispatcher) linkTrain(ctx context.Context, tok *state.Token) (bool, error) {
	ls := d.linkStatus()
	if !ls.Test(regmap.LinkStatusTrain) {
		return false, nil
	}

	ls.Acknowledge(regmap.LinkStatusTrain)

	target := d.state.Snapshot().TargetLaneMask
	if target == 0 {
		target = state.FullWidth
	}

	if err := d.trainer.Train(ctx, tok, target); err != nil {
		return true, err
	}

	d.setLink(tok, state.LinkTraining)
	d.reset.ResetLink()

	if aux := d.aux(); aux.Test(regmap.AuxCompletionPending) {
		aux.Acknowledge(regmap.AuxCompletionPending)
		d.completion.HandleCompletion()
	}

	return true, nil
}

func (d *Dispatcher) linkComplete(_ context.Context, tok *state.Token) (bool, error) {
	ls := d.linkStatus()
	if !ls.Test(regmap.LinkStatusDone) {
		return false, nil
	}

	ls.Acknowledge(regmap.LinkStatusDone)
	d.setLink(tok, state.LinkConfigured)
	d.reset.ResetLink()

	d.state.Update(tok, func(f *state.Fields) {
		f.LaneStateSnapshot = f.LaneStateCounter
		f.LaneStateCounter <<= 1
		f.CompanionBits = bits.RotateLeft8(f.CompanionBits, 1)
	})

	return true, nil
}

func (d *Dispatcher) linkError(_ context.Context, tok *state.Token) (bool, error) {
	ls := d.linkStatus()
	if !ls.Test(regmap.LinkStatusError) {
		return false, nil
	}

	ls.Acknowledge(regmap.LinkStatusError)
	d.setLink(tok, state.LinkError)
	d.reset.ResetLink()

	if aux := d.aux(); aux.Test(regmap.AuxErrorPending) {
		aux.Acknowledge(regmap.AuxErrorPending)
		d.errs.HandleError()
	}

	return true, nil
}

// linkCleanup drops any secondary events left behind, acknowledges the
// remaining completion and idle bits and signals the link event ack.
func (d *Dispatcher) linkCleanup(_ context.Context, tok *state.Token) (bool, error) {
	const mask = regmap.LinkStatusDone | regmap.LinkStatusIdle

	ls := d.linkStatus()
	pending := ls.Read() & mask
	if pending == 0 {
		return false, nil
	}

	d.setLink(tok, state.LinkIdle)

	d.aux().Acknowledge(regmap.AuxCompletionPending | regmap.AuxErrorPending)
	ls.Acknowledge(pending)
	d.space.Write(regmap.LinkEventAck, regmap.LinkEventAckValue)

	return true, nil
}
