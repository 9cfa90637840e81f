package timing

import (
	"log/slog"
	"reflect"

	"github.com/sarchlab/usb4bridge/hooking"
)

// EventLogger is a hook that logs every event before it is handled.
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger returns an EventLogger writing to logger at debug level.
func NewEventLogger(logger *slog.Logger) *EventLogger {
	return &EventLogger{logger: logger}
}

// Func logs the event information.
func (h *EventLogger) Func(ctx hooking.HookCtx) {
	if ctx.Pos != HookPosBeforeEvent {
		return
	}

	evt, ok := ctx.Item.(Event)
	if !ok {
		return
	}

	name := reflect.TypeOf(evt).String()
	if fe, ok := evt.(*FuncEvent); ok {
		name = fe.Name
	}

	h.logger.Debug("event", "time", evt.Time(), "event", name)
}
