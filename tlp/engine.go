package tlp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sarchlab/usb4bridge/hooking"
	"github.com/sarchlab/usb4bridge/logging"
	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/state"
)

// HookPosTLPIssue marks a descriptor about to be triggered. The item is the
// Descriptor.
var HookPosTLPIssue = &hooking.HookPos{Name: "TLPIssue"}

// HookPosTLPDone marks a finished transaction. The item is a Transaction.
var HookPosTLPDone = &hooking.HookPos{Name: "TLPDone"}

// TLPControl bit 0 enables the transaction unit.
const controlEnable uint8 = 0x01

// Transaction is the hook item of HookPosTLPDone.
type Transaction struct {
	Descriptor Descriptor
	Result     Result
	Err        error
	Spins      int
}

// USBReset reinitializes the USB-facing side after a failed configuration
// transaction.
type USBReset interface {
	ResetUSB()
}

// Engine issues one transaction at a time through the transaction unit.
type Engine struct {
	hooking.HookableBase

	space  regmap.Space
	status regmap.StatusRegister
	poller Poller
	usb    USBReset
	logger *slog.Logger
}

// Space returns the register space the engine drives.
func (e *Engine) Space() regmap.Space {
	return e.space
}

// IssueMemory issues a memory read or write to addr.
func (e *Engine) IssueMemory(
	ctx context.Context,
	tok *state.Token,
	dir Direction,
	addr uint32,
) (Result, error) {
	tok.MustHold()

	return e.issue(ctx, MemoryDescriptor(dir, addr), nil)
}

// IssueConfig issues a configuration read or write of one dword.
func (e *Engine) IssueConfig(
	ctx context.Context,
	tok *state.Token,
	dir Direction,
	typ ConfigType,
	cfg ConfigAddress,
	byteEnables uint8,
) (Result, error) {
	return e.IssueConfigRaw(ctx, tok, dir, typ, cfg.Raw(), byteEnables)
}

// IssueConfigRaw is IssueConfig with the bus, devfn and register bytes given
// as they arrive from the host.
func (e *Engine) IssueConfigRaw(
	ctx context.Context,
	tok *state.Token,
	dir Direction,
	typ ConfigType,
	raw [4]byte,
	byteEnables uint8,
) (Result, error) {
	tok.MustHold()

	desc := ConfigDescriptor(dir, typ, raw, byteEnables)

	return e.issue(ctx, desc, e.recoverConfig)
}

// StageData writes the payload of the next write transaction.
func (e *Engine) StageData(tok *state.Token, data [4]byte) {
	tok.MustHold()
	regmap.WriteBytes(e.space, regmap.TLPData0, data[:])
}

// ReadData returns the payload of the last read transaction.
func (e *Engine) ReadData(tok *state.Token) [4]byte {
	tok.MustHold()

	var out [4]byte
	copy(out[:], regmap.ReadBytes(e.space, regmap.TLPData0, regmap.NumDataRegs))

	return out
}

func (e *Engine) issue(
	ctx context.Context,
	desc Descriptor,
	onError func(),
) (Result, error) {
	if err := desc.Validate(); err != nil {
		return Result{}, err
	}

	e.InvokeHook(hooking.HookCtx{Domain: e, Pos: HookPosTLPIssue, Item: desc})

	e.setup(desc)
	e.trigger()

	res, spins, err := e.await(ctx, desc.Direction)
	if err != nil && !errors.Is(err, ErrCompletion) && onError != nil {
		onError()
	}

	e.finish(desc, res, err, spins)

	return res, err
}

func (e *Engine) setup(desc Descriptor) {
	regmap.Fill(e.space, regmap.TLPFormatType, regmap.NumSetupRegs, 0)
	e.space.Write(regmap.TLPFormatType, uint8(desc.FormatType))
	regmap.SetBits(e.space, regmap.TLPControl, controlEnable)
	e.space.Write(regmap.TLPByteEnable, desc.ByteEnables)
	e.space.Write(regmap.TLPLength, desc.Length)
	regmap.WriteBytes(e.space, regmap.TLPAddr0, desc.Address[:])
}

func (e *Engine) trigger() {
	e.status.Acknowledge(regmap.StatusError)
	e.status.Acknowledge(regmap.StatusComplete)
	e.status.Acknowledge(regmap.StatusBusy)
	e.space.Write(regmap.TLPTrigger, regmap.TriggerStart)
}

func (e *Engine) await(
	ctx context.Context,
	dir Direction,
) (Result, int, error) {
	var st uint8

	spins, err := e.poller.Until(ctx, func() bool {
		st = e.status.Read()
		return st&(regmap.StatusBusy|regmap.StatusError) != 0
	})
	if err != nil {
		return timeoutResult, spins, err
	}

	// An error seen before busy still ends the transaction.
	if st&regmap.StatusError != 0 {
		e.status.Acknowledge(regmap.StatusError)
		return timeoutResult, spins, ErrTimeout
	}

	e.status.Acknowledge(regmap.StatusBusy)

	if dir == Write {
		return success(0), spins, nil
	}

	n, err := e.poller.Until(ctx, func() bool {
		st = e.status.Read()
		return st&(regmap.StatusComplete|regmap.StatusError) != 0
	})
	spins += n

	if err != nil {
		return timeoutResult, spins, err
	}

	if st&regmap.StatusComplete == 0 {
		e.status.Acknowledge(regmap.StatusError)
		return timeoutResult, spins, ErrTimeout
	}

	return e.classify(spins)
}

func (e *Engine) classify(spins int) (Result, int, error) {
	data := e.space.Read(regmap.CplData)
	aux := e.space.Read(regmap.CplDataAux)
	code := e.space.Read(regmap.CplCode)

	if data != 0 || aux != 0 || code != ExpectedCplCode {
		e.logger.Debug("unexpected completion",
			"data", data, "aux", aux, "code", code)

		return completionResult, spins, ErrCompletion
	}

	speed := e.space.Read(regmap.LinkStatus) >> regmap.LinkStatusSpeedPos & 0x07

	return success(speed), spins, nil
}

// recoverConfig resets the transaction parameters and the USB side after a
// configuration transaction failed.
func (e *Engine) recoverConfig() {
	for _, addr := range []regmap.Addr{
		regmap.TLPTag,
		regmap.TLPAttr,
		regmap.TLPRequesterLo,
		regmap.TLPRequesterHi,
		regmap.TLPLength,
	} {
		e.space.Write(addr, 0)
	}

	if e.usb != nil {
		e.usb.ResetUSB()
	}
}

func (e *Engine) finish(desc Descriptor, res Result, err error, spins int) {
	if err != nil {
		e.logger.Warn("transaction failed",
			"fmt", desc.FormatType.String(),
			"addr", desc.Addr(),
			"result", res.Outcome.String(),
			"err", err)
	} else {
		e.logger.Debug("transaction done",
			"fmt", desc.FormatType.String(),
			"addr", desc.Addr(),
			"code", res.Code(),
			"spins", spins)
	}

	e.InvokeHook(hooking.HookCtx{
		Domain: e,
		Pos:    HookPosTLPDone,
		Item: Transaction{
			Descriptor: desc,
			Result:     res,
			Err:        err,
			Spins:      spins,
		},
	})
}

// Builder can build transaction engines.
type Builder struct {
	space    regmap.Space
	usb      USBReset
	maxSpins int
	logger   *slog.Logger
}

// MakeBuilder creates a builder with the default poll bound.
func MakeBuilder() Builder {
	return Builder{
		maxSpins: DefaultMaxSpins,
	}
}

// WithSpace sets the register space the engine drives.
func (b Builder) WithSpace(s regmap.Space) Builder {
	b.space = s
	return b
}

// WithUSBReset sets the collaborator called when a configuration transaction
// fails.
func (b Builder) WithUSBReset(r USBReset) Builder {
	b.usb = r
	return b
}

// WithMaxSpins sets the number of status reads a poll may take. Zero or less
// polls without a bound.
func (b Builder) WithMaxSpins(n int) Builder {
	b.maxSpins = n
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// Build creates the engine.
func (b Builder) Build() *Engine {
	if b.space == nil {
		panic("tlp: engine requires a register space")
	}

	logger := b.logger
	if logger == nil {
		logger = logging.For(logging.ComponentTLP)
	}

	return &Engine{
		space:  b.space,
		status: regmap.NewStatusRegister(b.space, regmap.TLPStatus),
		poller: Poller{MaxSpins: b.maxSpins},
		usb:    b.usb,
		logger: logger,
	}
}
