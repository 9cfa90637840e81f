package datarecording

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sarchlab/usb4bridge/hooking"
	"github.com/sarchlab/usb4bridge/irq"
	"github.com/sarchlab/usb4bridge/link"
	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/state"
	"github.com/sarchlab/usb4bridge/timing"
	"github.com/sarchlab/usb4bridge/tlp"
	"github.com/sarchlab/usb4bridge/tunnel"
)

// Table names used by the Tracer.
const (
	TransactionTable = "tlp_transaction"
	RegisterTable    = "register_access"
	StateTable       = "state_change"
	TrainTable       = "train_attempt"
	DispatchTable    = "irq_dispatch"
	TunnelTable      = "tunnel_event"
)

// TransactionEntry is one finished TLP.
type TransactionEntry struct {
	ID          string
	Time        float64
	Direction   string
	Format      string
	Address     string
	ByteEnables uint8
	Outcome     string
	Code        uint8
	Speed       uint8
	Spins       int
	Error       string
}

// RegisterEntry is one register write, by software or by hardware.
type RegisterEntry struct {
	Time   float64
	Source string
	Addr   uint16
	Value  uint8
	Before uint8
	After  uint8
}

// StateEntry is the state after one transition.
type StateEntry struct {
	Time            float64
	Link            string
	LaneMask        uint8
	TargetLaneMask  uint8
	AttemptWeight   uint8
	Mode            string
	TunnelRequested bool
}

// TrainEntry is one training round, or the end of an exhausted run.
type TrainEntry struct {
	Time      float64
	Number    int
	Target    uint8
	Weight    uint8
	Mask      uint8
	Exhausted bool
}

// DispatchEntry is one interrupt cascade.
type DispatchEntry struct {
	Time  float64
	Line  string
	Fired string
}

// TunnelEntry is a tunnel request or a finished mode switch.
type TunnelEntry struct {
	Time         float64
	Event        string
	LinkConfigLo uint8
	LinkConfigHi uint8
	Mode         uint8
	Aux          uint8
}

// Tracer is a hook that records what a bridge does. Attach it with the
// bridge's AcceptHook.
type Tracer struct {
	recorder  DataRecorder
	clock     timing.TimeTeller
	start     time.Time
	registers bool
}

// NewTracer creates the trace tables in recorder. Times come from clock; a
// nil clock means wall time since the tracer was created. Register writes
// are only recorded when withRegisters is set.
func NewTracer(
	recorder DataRecorder,
	clock timing.TimeTeller,
	withRegisters bool,
) *Tracer {
	t := &Tracer{
		recorder:  recorder,
		clock:     clock,
		start:     time.Now(),
		registers: withRegisters,
	}

	recorder.CreateTable(TransactionTable, TransactionEntry{})
	recorder.CreateTable(StateTable, StateEntry{})
	recorder.CreateTable(TrainTable, TrainEntry{})
	recorder.CreateTable(DispatchTable, DispatchEntry{})
	recorder.CreateTable(TunnelTable, TunnelEntry{})

	if withRegisters {
		recorder.CreateTable(RegisterTable, RegisterEntry{})
	}

	return t
}

func (t *Tracer) now() float64 {
	if t.clock != nil {
		return t.clock.Now()
	}

	return time.Since(t.start).Seconds()
}

// Func records one hook invocation.
func (t *Tracer) Func(ctx hooking.HookCtx) {
	switch ctx.Pos {
	case tlp.HookPosTLPDone:
		t.recordTransaction(ctx.Item.(tlp.Transaction))
	case regmap.HookPosRegWrite:
		t.recordRegister("software", ctx.Item.(regmap.Access))
	case regmap.HookPosRegRaise:
		t.recordRegister("hardware", ctx.Item.(regmap.Access))
	case state.HookPosStateChange:
		t.recordState(ctx.Item.(state.Change).After)
	case link.HookPosTrainAttempt:
		t.recordTrain(ctx.Item.(link.Attempt), false)
	case link.HookPosTrainExhausted:
		t.recordTrain(ctx.Item.(link.Attempt), true)
	case irq.HookPosDispatch:
		t.recordDispatch(ctx.Item.(irq.DispatchReport))
	case tunnel.HookPosTunnelRequested:
		t.recordTunnel("requested", ctx.Item.(state.AdapterConfig))
	case tunnel.HookPosTunnelEnabled:
		t.recordTunnel("enabled", ctx.Item.(state.AdapterConfig))
	}
}

func (t *Tracer) recordTransaction(tr tlp.Transaction) {
	d := tr.Descriptor

	e := TransactionEntry{
		ID:          xid.New().String(),
		Time:        t.now(),
		Direction:   d.Direction.String(),
		Format:      d.FormatType.String(),
		Address:     formatAddress(d),
		ByteEnables: d.ByteEnables,
		Outcome:     tr.Result.Outcome.String(),
		Code:        tr.Result.Code(),
		Speed:       tr.Result.Speed,
		Spins:       tr.Spins,
	}

	if tr.Err != nil {
		e.Error = tr.Err.Error()
	}

	t.recorder.InsertData(TransactionTable, e)
}

func formatAddress(d tlp.Descriptor) string {
	if d.FormatType.IsConfig() {
		return tlp.UnpackConfigAddress(d.Address).String()
	}

	return fmt.Sprintf("0x%08X", d.Addr())
}

func (t *Tracer) recordRegister(source string, acc regmap.Access) {
	if !t.registers {
		return
	}

	t.recorder.InsertData(RegisterTable, RegisterEntry{
		Time:   t.now(),
		Source: source,
		Addr:   uint16(acc.Addr),
		Value:  acc.Value,
		Before: acc.Before,
		After:  acc.After,
	})
}

func (t *Tracer) recordState(f state.Fields) {
	t.recorder.InsertData(StateTable, StateEntry{
		Time:            t.now(),
		Link:            f.Link.String(),
		LaneMask:        f.LaneMask,
		TargetLaneMask:  f.TargetLaneMask,
		AttemptWeight:   f.AttemptWeight,
		Mode:            f.Mode.String(),
		TunnelRequested: f.TunnelRequested,
	})
}

func (t *Tracer) recordTrain(a link.Attempt, exhausted bool) {
	t.recorder.InsertData(TrainTable, TrainEntry{
		Time:      t.now(),
		Number:    a.Number,
		Target:    a.Target,
		Weight:    a.Weight,
		Mask:      a.Mask,
		Exhausted: exhausted,
	})
}

func (t *Tracer) recordDispatch(r irq.DispatchReport) {
	t.recorder.InsertData(DispatchTable, DispatchEntry{
		Time:  t.now(),
		Line:  r.Line.String(),
		Fired: strings.Join(r.Fired, ","),
	})
}

func (t *Tracer) recordTunnel(event string, cfg state.AdapterConfig) {
	t.recorder.InsertData(TunnelTable, TunnelEntry{
		Time:         t.now(),
		Event:        event,
		LinkConfigLo: cfg.LinkConfigLo,
		LinkConfigHi: cfg.LinkConfigHi,
		Mode:         cfg.Mode,
		Aux:          cfg.Aux,
	})
}
