package tlp

import (
	"context"
	"errors"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/usb4bridge/hooking"
	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/state"
)

// fakeUnit answers every trigger immediately with the configured status.
type fakeUnit struct {
	regs     *regmap.File
	busy     bool
	outcome  uint8
	code     uint8
	data     uint8
	aux      uint8
	speed    uint8
	triggers int
}

func attachFakeUnit(regs *regmap.File) *fakeUnit {
	u := &fakeUnit{
		regs:    regs,
		busy:    true,
		outcome: regmap.StatusComplete,
		code:    ExpectedCplCode,
	}

	regs.OnWrite(regmap.TLPTrigger, func(acc regmap.Access) {
		if acc.Value != regmap.TriggerStart {
			return
		}

		u.triggers++
		regs.Drive(regmap.CplCode, 0xFF, u.code)
		regs.Drive(regmap.CplData, 0xFF, u.data)
		regs.Drive(regmap.CplDataAux, 0xFF, u.aux)
		regs.Drive(regmap.LinkStatus, regmap.LinkStatusSpeed,
			u.speed<<regmap.LinkStatusSpeedPos)

		if u.busy {
			regs.Raise(regmap.TLPStatus, regmap.StatusBusy)
		}

		if u.outcome != 0 {
			regs.Raise(regmap.TLPStatus, u.outcome)
		}
	})

	return u
}

var _ = Describe("Engine", func() {
	var (
		mockCtrl *gomock.Controller
		usb      *MockUSBReset
		regs     *regmap.File
		unit     *fakeUnit
		st       *state.State
		tok      *state.Token
		engine   *Engine
		ctx      context.Context
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		usb = NewMockUSBReset(mockCtrl)
		regs = regmap.NewFile()
		unit = attachFakeUnit(regs)
		st = state.New()
		ctx = context.Background()

		var err error
		tok, err = st.TryAcquire()
		Expect(err).NotTo(HaveOccurred())

		engine = MakeBuilder().
			WithSpace(regs).
			WithUSBReset(usb).
			WithMaxSpins(16).
			Build()
	})

	AfterEach(func() {
		if tok.Held() {
			tok.Release()
		}

		mockCtrl.Finish()
	})

	Context("memory writes", func() {
		It("should program the setup registers and trigger", func() {
			log := regmap.NewWriteLog(0)
			regs.AcceptHook(log)

			res, err := engine.IssueMemory(ctx, tok, Write, 0x12345678)

			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(Result{Outcome: OutcomeSuccess}))
			Expect(res.Code()).To(BeZero())

			want := []regmap.Write{}
			for i := 0; i < regmap.NumSetupRegs; i++ {
				want = append(want, regmap.Write{Addr: regmap.TLPFormatType.Offset(i)})
			}
			want = append(want,
				regmap.Write{Addr: regmap.TLPFormatType, Value: 0x40},
				regmap.Write{Addr: regmap.TLPControl, Value: 0x01},
				regmap.Write{Addr: regmap.TLPByteEnable, Value: 0x0F},
				regmap.Write{Addr: regmap.TLPLength, Value: 0x20},
				regmap.Write{Addr: regmap.TLPAddr0, Value: 0x12},
				regmap.Write{Addr: regmap.TLPAddr1, Value: 0x34},
				regmap.Write{Addr: regmap.TLPAddr2, Value: 0x56},
				regmap.Write{Addr: regmap.TLPAddr3, Value: 0x78},
				regmap.Write{Addr: regmap.TLPStatus, Value: regmap.StatusError},
				regmap.Write{Addr: regmap.TLPStatus, Value: regmap.StatusComplete},
				regmap.Write{Addr: regmap.TLPStatus, Value: regmap.StatusBusy},
				regmap.Write{Addr: regmap.TLPTrigger, Value: regmap.TriggerStart},
				regmap.Write{Addr: regmap.TLPStatus, Value: regmap.StatusBusy},
			)

			Expect(cmp.Diff(want, log.Writes())).To(BeEmpty())
		})

		It("should succeed once busy is seen even if nothing completes", func() {
			unit.outcome = 0

			res, err := engine.IssueMemory(ctx, tok, Write, 0x1000)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Code()).To(BeZero())
			Expect(regs.Peek(regmap.TLPStatus) & regmap.StatusBusy).To(BeZero())
		})

		It("should time out when the error bit comes without busy", func() {
			unit.busy = false
			unit.outcome = regmap.StatusError

			res, err := engine.IssueMemory(ctx, tok, Write, 0x1000)

			Expect(err).To(MatchError(ErrTimeout))
			Expect(errors.Is(err, ErrPollBound)).To(BeFalse())
			Expect(res.Code()).To(Equal(CodeTimeout))
			Expect(regs.Peek(regmap.TLPStatus) & regmap.StatusError).To(BeZero())
		})
	})

	Context("memory reads", func() {
		It("should return the link speed on a clean completion", func() {
			unit.speed = 5

			res, err := engine.IssueMemory(ctx, tok, Read, 0x2000)

			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(Result{Outcome: OutcomeSuccess, Speed: 5}))
			Expect(res.Code()).To(Equal(uint8(5)))
		})

		DescribeTable("should report completion errors",
			func(code, data, aux uint8) {
				unit.code, unit.data, unit.aux = code, data, aux

				res, err := engine.IssueMemory(ctx, tok, Read, 0x2000)

				Expect(err).To(MatchError(ErrCompletion))
				Expect(res.Code()).To(Equal(CodeCompletionError))
			},
			Entry("unsupported request code", uint8(0x00), uint8(0), uint8(0)),
			Entry("non-zero data", uint8(0x04), uint8(0x01), uint8(0)),
			Entry("non-zero aux", uint8(0x04), uint8(0), uint8(0x80)),
		)

		It("should time out and acknowledge the error bit", func() {
			unit.outcome = regmap.StatusError

			res, err := engine.IssueMemory(ctx, tok, Read, 0x2000)

			Expect(err).To(MatchError(ErrTimeout))
			Expect(errors.Is(err, ErrPollBound)).To(BeFalse())
			Expect(res.Code()).To(Equal(CodeTimeout))
			Expect(regs.Peek(regmap.TLPStatus) & regmap.StatusError).To(BeZero())
		})

		It("should time out on an error raised before busy", func() {
			unit.busy = false
			unit.outcome = regmap.StatusError

			res, err := engine.IssueMemory(ctx, tok, Read, 0x2000)

			Expect(err).To(MatchError(ErrTimeout))
			Expect(errors.Is(err, ErrPollBound)).To(BeFalse())
			Expect(res.Code()).To(Equal(CodeTimeout))
			Expect(regs.Peek(regmap.TLPStatus)).To(BeZero())
		})

		It("should bound the wait for busy", func() {
			unit.busy = false
			unit.outcome = 0

			res, err := engine.IssueMemory(ctx, tok, Read, 0x2000)

			Expect(err).To(MatchError(ErrPollBound))
			Expect(err).To(MatchError(ErrTimeout))
			Expect(res.Code()).To(Equal(CodeTimeout))
		})

		It("should bound the wait for completion", func() {
			unit.outcome = 0

			_, err := engine.IssueMemory(ctx, tok, Read, 0x2000)

			Expect(err).To(MatchError(ErrPollBound))
		})

		It("should stop polling when the context ends", func() {
			unit.busy = false
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			_, err := engine.IssueMemory(cancelled, tok, Read, 0x2000)

			Expect(err).To(MatchError(ErrPollBound))
			Expect(err).To(MatchError(context.Canceled))
		})
	})

	Context("configuration requests", func() {
		It("should pack the address and pick the format", func() {
			cfg := ConfigAddress{Bus: 0x12, Device: 0, Function: 0, Register: 0x0C0}

			res, err := engine.IssueConfig(ctx, tok, Read, Type1, cfg, 0x0F)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.OK()).To(BeTrue())
			Expect(regs.Peek(regmap.TLPFormatType)).To(Equal(uint8(CfgRead1)))
			Expect(regs.Dump(regmap.TLPAddr0, 4)).To(Equal(
				[]uint8{0x12, 0x00, 0x03, 0x00}))
		})

		It("should reset parameters and the USB side on error", func() {
			usb.EXPECT().ResetUSB().Times(1)
			log := regmap.NewWriteLog(0)
			regs.AcceptHook(log)

			res, err := engine.IssueConfigRaw(ctx, tok, Write, Type0,
				[4]byte{0, 0x08, 0, 0x04}, 0x0F)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.OK()).To(BeTrue())

			unit.outcome = regmap.StatusError
			_, err = engine.IssueConfigRaw(ctx, tok, Read, Type0,
				[4]byte{0, 0x08, 0, 0x04}, 0x0F)

			Expect(err).To(MatchError(ErrTimeout))

			writes := log.Writes()
			tail := writes[len(writes)-5:]
			Expect(tail).To(Equal([]regmap.Write{
				{Addr: regmap.TLPTag},
				{Addr: regmap.TLPAttr},
				{Addr: regmap.TLPRequesterLo},
				{Addr: regmap.TLPRequesterHi},
				{Addr: regmap.TLPLength},
			}))
		})

		It("should not reset on a completion error", func() {
			unit.code = 0x00

			res, err := engine.IssueConfig(ctx, tok, Read, Type0,
				ConfigAddress{Bus: 1}, AllBytes)

			Expect(err).To(MatchError(ErrCompletion))
			Expect(res.Code()).To(Equal(CodeCompletionError))
		})

		It("should reject empty byte enables without triggering", func() {
			res, err := engine.IssueConfig(ctx, tok, Read, Type0,
				ConfigAddress{}, 0)

			Expect(err).To(MatchError(ErrByteEnables))
			Expect(res).To(Equal(Result{}))
			Expect(res.OK()).To(BeFalse())
			Expect(unit.triggers).To(BeZero())
		})
	})

	Context("payload", func() {
		It("should stage and read back data registers", func() {
			engine.StageData(tok, [4]byte{0xDE, 0xAD, 0xBE, 0xEF})

			Expect(regs.Dump(regmap.TLPData0, 4)).To(Equal(
				[]uint8{0xDE, 0xAD, 0xBE, 0xEF}))
			Expect(engine.ReadData(tok)).To(Equal([4]byte{0xDE, 0xAD, 0xBE, 0xEF}))
		})
	})

	It("should invoke issue and done hooks", func() {
		var done []Transaction
		issued := 0
		engine.AcceptHook(hooking.HookFunc(func(c hooking.HookCtx) {
			switch c.Pos {
			case HookPosTLPIssue:
				issued++
			case HookPosTLPDone:
				done = append(done, c.Item.(Transaction))
			}
		}))

		_, _ = engine.IssueMemory(ctx, tok, Write, 0x10)

		Expect(issued).To(Equal(1))
		Expect(done).To(HaveLen(1))
		Expect(done[0].Descriptor.FormatType).To(Equal(MemWrite))
		Expect(done[0].Err).NotTo(HaveOccurred())
	})

	It("should refuse to run without a held token", func() {
		tok.Release()

		Expect(func() {
			_, _ = engine.IssueMemory(ctx, tok, Write, 0x10)
		}).To(Panic())
	})
})

var _ = Describe("Poller", func() {
	It("should count evaluations", func() {
		n := 0
		spins, err := Poller{MaxSpins: 10}.Until(context.Background(), func() bool {
			n++
			return n == 3
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(spins).To(Equal(3))
	})

	It("should give up at the bound", func() {
		spins, err := Poller{MaxSpins: 4}.Until(context.Background(), func() bool {
			return false
		})

		Expect(err).To(MatchError(ErrPollBound))
		Expect(spins).To(Equal(4))
	})
})
