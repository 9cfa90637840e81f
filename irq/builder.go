package irq

import (
	"log/slog"

	"github.com/sarchlab/usb4bridge/logging"
	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/state"
)

// Builder can build dispatchers. Collaborators left unset do nothing.
type Builder struct {
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

// WithLogger sets the logger.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// WithQueueHandler sets the queue handler.
func (b Builder) WithQueueHandler(h QueueHandler) Builder {
	b.queue = h
	return b
}

// WithCompletionHandler sets the completion handler.
func (b Builder) WithCompletionHandler(h CompletionHandler) Builder {
	b.completion = h
	return b
}

// WithErrorHandler sets the link error handler.
func (b Builder) WithErrorHandler(h ErrorHandler) Builder {
	b.errs = h
	return b
}

// WithLinkResetter sets the link reset primitive.
func (b Builder) WithLinkResetter(r LinkResetter) Builder {
	b.reset = r
	return b
}

// WithUSBEvents sets the USB master event sink.
func (b Builder) WithUSBEvents(u USBEvents) Builder {
	b.usb = u
	return b
}

// WithTrainer sets the lane trainer.
func (b Builder) WithTrainer(t Trainer) Builder {
	b.trainer = t
	return b
}

// WithTunnelRequester sets where tunnel requests go.
func (b Builder) WithTunnelRequester(t TunnelRequester) Builder {
	b.tunnel = t
	return b
}

// Build creates the dispatcher.
func (b Builder) Build() *Dispatcher {
	if b.space == nil || b.state == nil {
		panic("irq: dispatcher requires a register space and a state")
	}

	d := &Dispatcher{
		space:      b.space,
		state:      b.state,
		logger:     b.logger,
		queue:      b.queue,
		completion: b.completion,
		errs:       b.errs,
		reset:      b.reset,
		usb:        b.usb,
		trainer:    b.trainer,
		tunnel:     b.tunnel,
	}

	if d.logger == nil {
		d.logger = logging.For(logging.ComponentIRQ)
	}

	fillNops(d)

	d.pcie = d.pciePhases()
	d.system = d.systemPhases()

	return d
}

func fillNops(d *Dispatcher) {
	if d.queue == nil {
		d.queue = nop{}
	}

	if d.completion == nil {
		d.completion = nop{}
	}

	if d.errs == nil {
		d.errs = nop{}
	}

	if d.reset == nil {
		d.reset = nop{}
	}

	if d.usb == nil {
		d.usb = nop{}
	}

	if d.trainer == nil {
		d.trainer = nop{}
	}

	if d.tunnel == nil {
		d.tunnel = nop{}
	}
}
