package scripting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/sarchlab/usb4bridge/irq"
	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/silicon"
	"github.com/sarchlab/usb4bridge/state"
	"github.com/sarchlab/usb4bridge/tlp"
)

type bindings struct {
	runner *Runner
	ctx    context.Context
}

func (b *bindings) install(L *lua.LState) {
	L.SetGlobal("print", L.NewFunction(b.print))
	L.SetGlobal("log", L.NewFunction(b.log))

	L.SetGlobal("bridge", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"name":           b.name,
		"read_memory":    b.readMemory,
		"write_memory":   b.writeMemory,
		"read_config":    b.readConfig,
		"write_config":   b.writeConfig,
		"probe":          b.probe,
		"train":          b.train,
		"request_tunnel": b.requestTunnel,
		"step":           b.step,
		"drain":          b.drain,
		"state":          b.state,
		"read_register":  b.readRegister,
		"write_register": b.writeRegister,
	}))

	if b.runner.chip == nil {
		return
	}

	L.SetGlobal("chip", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"raise_system":     b.raise((*silicon.Chip).RaiseSystem),
		"raise_nvme":       b.raise((*silicon.Chip).RaiseNVMe),
		"raise_usb_master": b.raise((*silicon.Chip).RaiseUSBMaster),
		"raise_link":       b.raise((*silicon.Chip).RaiseLink),
		"raise_link_aux":   b.raise((*silicon.Chip).RaiseLinkAux),
		"raise_source":     b.raiseSource,
		"set_fault":        b.setFault,
		"now":              b.now,
		"cycles":           b.cycles,
		"wait":             b.wait,
		"calls":            b.calls,
		"transactions":     b.transactions,
	}))
}

func (b *bindings) print(L *lua.LState) int {
	parts := make([]string, L.GetTop())
	for i := range parts {
		parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
	}

	fmt.Fprintln(b.runner.out, strings.Join(parts, "\t"))

	return 0
}

func (b *bindings) log(L *lua.LState) int {
	b.runner.logger.Info(L.CheckString(1), "bridge", b.runner.bridge.Name())
	return 0
}

func (b *bindings) name(L *lua.LState) int {
	L.Push(lua.LString(b.runner.bridge.Name()))
	return 1
}

// pushOutcome pushes the legacy result code. Transport failures are part of
// the result; anything else aborts the script.
func pushOutcome(L *lua.LState, res tlp.Result, err error) {
	if err != nil && !errors.Is(err, tlp.ErrTimeout) && !errors.Is(err, tlp.ErrCompletion) {
		L.RaiseError("%s", err.Error())
	}

	L.Push(lua.LNumber(res.Code()))
}

func dataTable(L *lua.LState, data [4]byte) *lua.LTable {
	t := L.NewTable()
	for _, v := range data {
		t.Append(lua.LNumber(v))
	}

	return t
}

func checkData(L *lua.LState, n int) [4]byte {
	var data [4]byte

	t := L.CheckTable(n)
	if t.Len() > len(data) {
		L.ArgError(n, "at most 4 bytes")
	}

	for i := 0; i < t.Len(); i++ {
		v, ok := t.RawGetInt(i + 1).(lua.LNumber)
		if !ok || v < 0 || v > 0xFF {
			L.ArgError(n, "bytes must be numbers between 0 and 255")
		}

		data[i] = uint8(v)
	}

	return data
}

func checkUint(L *lua.LState, n int, maximum uint64) uint64 {
	v := L.CheckInt64(n)
	if v < 0 || uint64(v) > maximum {
		L.ArgError(n, fmt.Sprintf("must be between 0 and %d", maximum))
	}

	return uint64(v)
}

func checkConfigAddress(L *lua.LState, first int) tlp.ConfigAddress {
	return tlp.ConfigAddress{
		Bus:      uint8(checkUint(L, first, 0xFF)),
		Device:   uint8(checkUint(L, first+1, 0x1F)),
		Function: uint8(checkUint(L, first+2, 0x07)),
		Register: uint16(checkUint(L, first+3, 0x3FF)),
	}
}

func optByteEnables(L *lua.LState, n int) uint8 {
	if L.Get(n) == lua.LNil {
		return tlp.AllBytes
	}

	return uint8(checkUint(L, n, 0x0F))
}

func (b *bindings) readMemory(L *lua.LState) int {
	addr := uint32(checkUint(L, 1, 0xFFFFFFFF))

	data, res, err := b.runner.bridge.ReadMemory(b.ctx, addr)
	L.Push(dataTable(L, data))
	pushOutcome(L, res, err)

	return 2
}

func (b *bindings) writeMemory(L *lua.LState) int {
	addr := uint32(checkUint(L, 1, 0xFFFFFFFF))
	data := checkData(L, 2)

	res, err := b.runner.bridge.WriteMemory(b.ctx, addr, data)
	pushOutcome(L, res, err)

	return 1
}

func (b *bindings) readConfig(L *lua.LState) int {
	cfg := checkConfigAddress(L, 1)
	be := optByteEnables(L, 5)

	data, res, err := b.runner.bridge.ReadConfig(b.ctx, tlp.Type0, cfg, be)
	L.Push(dataTable(L, data))
	pushOutcome(L, res, err)

	return 2
}

func (b *bindings) writeConfig(L *lua.LState) int {
	cfg := checkConfigAddress(L, 1)
	data := checkData(L, 5)
	be := optByteEnables(L, 6)

	res, err := b.runner.bridge.WriteConfig(b.ctx, tlp.Type0, cfg, be, data)
	pushOutcome(L, res, err)

	return 1
}

func (b *bindings) probe(L *lua.LState) int {
	cfg := checkConfigAddress(L, 1)

	data, err := b.runner.bridge.Probe(b.ctx, cfg)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))

		return 2
	}

	L.Push(dataTable(L, data))

	return 1
}

func (b *bindings) train(L *lua.LState) int {
	target := uint8(checkUint(L, 1, 0xFF))

	if err := b.runner.bridge.Train(b.ctx, target); err != nil {
		L.RaiseError("%s", err.Error())
	}

	L.Push(lua.LNumber(b.runner.bridge.State().Snapshot().LaneMask))

	return 1
}

func (b *bindings) requestTunnel(L *lua.LState) int {
	t := L.OptTable(1, L.NewTable())

	field := func(name string) uint8 {
		v, ok := t.RawGetString(name).(lua.LNumber)
		if !ok {
			return 0
		}

		return uint8(v)
	}

	cfg := state.AdapterConfig{
		LinkConfigLo: field("lo"),
		LinkConfigHi: field("hi"),
		Mode:         field("mode"),
		Aux:          field("aux"),
	}

	if err := b.runner.bridge.RequestTunnel(b.ctx, cfg); err != nil {
		L.RaiseError("%s", err.Error())
	}

	return 0
}

func (b *bindings) step(L *lua.LState) int {
	if err := b.runner.bridge.Step(b.ctx); err != nil {
		L.RaiseError("%s", err.Error())
	}

	return 0
}

func (b *bindings) drain(L *lua.LState) int {
	reports, err := b.runner.bridge.Drain(b.ctx)
	if err != nil {
		L.RaiseError("%s", err.Error())
	}

	out := L.NewTable()

	for _, r := range reports {
		fired := L.NewTable()
		for _, p := range r.Fired {
			fired.Append(lua.LString(p))
		}

		t := L.NewTable()
		t.RawSetString("line", lua.LString(r.Line.String()))
		t.RawSetString("fired", fired)
		out.Append(t)
	}

	L.Push(out)

	return 1
}

func (b *bindings) state(L *lua.LState) int {
	f := b.runner.bridge.State().Snapshot()

	t := L.NewTable()
	t.RawSetString("link", lua.LString(f.Link.String()))
	t.RawSetString("lane_mask", lua.LNumber(f.LaneMask))
	t.RawSetString("target", lua.LNumber(f.TargetLaneMask))
	t.RawSetString("weight", lua.LNumber(f.AttemptWeight))
	t.RawSetString("mode", lua.LString(f.Mode.String()))
	t.RawSetString("tunnel_requested", lua.LBool(f.TunnelRequested))
	t.RawSetString("training_runs", lua.LNumber(f.TrainingRuns))
	t.RawSetString("training_exhausted", lua.LNumber(f.TrainingExhausted))
	t.RawSetString("lane_state", lua.LNumber(f.LaneStateCounter))
	t.RawSetString("companion", lua.LNumber(f.CompanionBits))

	L.Push(t)

	return 1
}

func (b *bindings) readRegister(L *lua.LState) int {
	addr := regmap.Addr(checkUint(L, 1, 0xFFFF))

	L.Push(lua.LNumber(b.runner.bridge.Space().Read(addr)))

	return 1
}

func (b *bindings) writeRegister(L *lua.LState) int {
	addr := regmap.Addr(checkUint(L, 1, 0xFFFF))
	v := uint8(checkUint(L, 2, 0xFF))

	b.runner.bridge.Space().Write(addr, v)

	return 0
}

func (b *bindings) raise(fn func(*silicon.Chip, uint8)) lua.LGFunction {
	return func(L *lua.LState) int {
		fn(b.runner.chip, uint8(checkUint(L, 1, 0xFF)))
		return 0
	}
}

func (b *bindings) raiseSource(L *lua.LState) int {
	switch strings.ToUpper(L.CheckString(1)) {
	case "A":
		b.runner.chip.RaiseSource(irq.QueueA)
	case "B":
		b.runner.chip.RaiseSource(irq.QueueB)
	default:
		L.ArgError(1, "queue must be \"A\" or \"B\"")
	}

	return 0
}

func (b *bindings) setFault(L *lua.LState) int {
	f, ok := silicon.ParseFault(L.CheckString(1))
	if !ok {
		L.ArgError(1, "fault must be none, error, hang or dead")
	}

	b.runner.chip.SetFault(f)

	return 0
}

func (b *bindings) now(L *lua.LState) int {
	L.Push(lua.LNumber(b.runner.chip.Now()))
	return 1
}

func (b *bindings) cycles(L *lua.LState) int {
	L.Push(lua.LNumber(b.runner.chip.Cycles()))
	return 1
}

// wait advances simulated time by the given number of microseconds.
func (b *bindings) wait(L *lua.LState) int {
	us := L.CheckNumber(1)
	if us < 0 {
		L.ArgError(1, "must not be negative")
	}

	d := time.Duration(float64(us) * float64(time.Microsecond))
	if err := b.runner.chip.Delay(b.ctx, d); err != nil {
		L.RaiseError("%s", err.Error())
	}

	return 0
}

func (b *bindings) calls(L *lua.LState) int {
	L.Push(lua.LNumber(b.runner.chip.Host().Calls(L.CheckString(1))))
	return 1
}

func (b *bindings) transactions(L *lua.LState) int {
	L.Push(lua.LNumber(b.runner.chip.Transactions()))
	return 1
}
