package irq

import (
	"context"

	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/state"
)

// Queue names the event queue a QueueHandler is asked to service.
type Queue = regmap.Queue

// Queues.
const (
	QueueA        = regmap.QueueA
	QueueB        = regmap.QueueB
	QueueDoorbell = regmap.QueueDoorbell
)

// QueueHandler services a command or completion queue. The returned bits are
// merged into the event-control register.
type QueueHandler interface {
	ServiceQueue(q Queue) uint8
}

// CompletionHandler finishes work that waited for a link completion.
type CompletionHandler interface {
	HandleCompletion()
}

// ErrorHandler runs the link error sub-handlers.
type ErrorHandler interface {
	HandleError()
}

// LinkResetter is the low-level link reset primitive.
type LinkResetter interface {
	ResetLink()
}

// USBEvents receives USB master events.
type USBEvents interface {
	MasterEvent(bits uint8)
}

// Trainer reconfigures the lane width.
type Trainer interface {
	Train(ctx context.Context, tok *state.Token, target uint8) error
}

// TunnelRequester records a pending switch to tunnel mode.
type TunnelRequester interface {
	RequestTunnel(tok *state.Token, cfg state.AdapterConfig)
}

type nop struct{}

func (nop) ServiceQueue(Queue) uint8 { return 0 }
func (nop) HandleCompletion()        {}
func (nop) HandleError()             {}
func (nop) ResetLink()               {}
func (nop) MasterEvent(uint8)        {}

func (nop) Train(context.Context, *state.Token, uint8) error { return nil }

func (nop) RequestTunnel(*state.Token, state.AdapterConfig) {}
