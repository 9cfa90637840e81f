package silicon

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/state"
	"github.com/sarchlab/usb4bridge/timing"
	"github.com/sarchlab/usb4bridge/tlp"
)

var _ = Describe("Chip", func() {
	var (
		chip   *Chip
		st     *state.State
		tok    *state.Token
		engine *tlp.Engine
		lines  []regmap.Line
		ctx    context.Context
	)

	BeforeEach(func() {
		chip = MakeBuilder().Build("Chip")
		st = state.New()
		tok, _ = st.TryAcquire()
		ctx = context.Background()
		lines = nil
		chip.Connect(func(l regmap.Line) { lines = append(lines, l) })

		engine = tlp.MakeBuilder().
			WithSpace(chip.Space()).
			WithUSBReset(chip.Host()).
			WithMaxSpins(64).
			Build()
	})

	AfterEach(func() {
		tok.Release()
	})

	It("should come out of reset with interrupts enabled", func() {
		regs := chip.Registers()

		Expect(regs.Peek(regmap.SysIntEnable)).To(Equal(uint8(0x07)))
		Expect(regs.Peek(regmap.CPUMode) & regmap.CPUModeNVMe).NotTo(BeZero())
		Expect(chip.Name()).To(Equal("Chip"))
	})

	It("should charge a cycle per register access", func() {
		space := chip.Space()

		space.Write(regmap.TLPTag, 1)
		_ = space.Read(regmap.TLPTag)

		Expect(chip.Cycles()).To(Equal(uint64(2)))
	})

	It("should read the endpoint identity over a configuration request", func() {
		res, err := engine.IssueConfig(ctx, tok, tlp.Read, tlp.Type0,
			tlp.ConfigAddress{Bus: 1}, tlp.AllBytes)

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Speed).To(BeZero())
		Expect(engine.ReadData(tok)).To(Equal([4]byte{0x87, 0x19, 0x16, 0x50}))
		Expect(chip.Transactions()).To(Equal(1))
	})

	It("should report the link speed on reads", func() {
		chip.PHY().StartTraining()
		Expect(chip.Delay(ctx, time.Millisecond)).To(Succeed())

		res, err := engine.IssueMemory(ctx, tok, tlp.Read, DefaultBARBase)

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Code()).To(Equal(uint8(3)))
	})

	It("should write and read back memory", func() {
		engine.StageData(tok, [4]byte{9, 8, 7, 6})
		_, err := engine.IssueMemory(ctx, tok, tlp.Write, DefaultBARBase+0x40)
		Expect(err).NotTo(HaveOccurred())

		// The write completes a few cycles after Busy.
		Expect(chip.Delay(ctx, time.Microsecond)).To(Succeed())

		engine.StageData(tok, [4]byte{})
		_, err = engine.IssueMemory(ctx, tok, tlp.Read, DefaultBARBase+0x40)
		Expect(err).NotTo(HaveOccurred())
		Expect(engine.ReadData(tok)).To(Equal([4]byte{9, 8, 7, 6}))
	})

	It("should report unsupported requests as completion errors", func() {
		res, err := engine.IssueConfig(ctx, tok, tlp.Read, tlp.Type0,
			tlp.ConfigAddress{Bus: 7}, tlp.AllBytes)

		Expect(err).To(MatchError(tlp.ErrCompletion))
		Expect(res.Code()).To(Equal(tlp.CodeCompletionError))
	})

	DescribeTable("should surface injected faults",
		func(f Fault, want error, usbResets int) {
			chip.SetFault(f)

			res, err := engine.IssueConfig(ctx, tok, tlp.Read, tlp.Type0,
				tlp.ConfigAddress{Bus: 1}, tlp.AllBytes)

			Expect(err).To(MatchError(want))
			Expect(res.Code()).To(Equal(tlp.CodeTimeout))
			Expect(chip.Host().Calls(CallUSBReset)).To(Equal(usbResets))
		},
		Entry("error", FaultError, tlp.ErrTimeout, 1),
		Entry("hang", FaultHang, tlp.ErrPollBound, 1),
		Entry("dead", FaultDead, tlp.ErrPollBound, 1),
	)

	It("should train the PHY within its capability", func() {
		chip = MakeBuilder().WithLanes(0x03).WithSpeed(2).Build("Chip")
		chip.Connect(func(l regmap.Line) { lines = append(lines, l) })
		chip.Registers().Load(regmap.LinkState, 0x5F)

		chip.PHY().StartTraining()

		Expect(chip.Registers().Peek(regmap.LinkState)).To(Equal(uint8(0x53)))
		Expect(lines).To(BeEmpty())

		Expect(chip.Delay(ctx, time.Millisecond)).To(Succeed())

		Expect(lines).To(Equal([]regmap.Line{regmap.LinePCIe}))
		status := chip.Registers().Peek(regmap.LinkStatus)
		Expect(status & regmap.LinkStatusDone).NotTo(BeZero())
		Expect(status >> regmap.LinkStatusSpeedPos).To(Equal(uint8(2)))
		Expect(chip.PHY().Attempts()).To(Equal(1))
	})

	It("should move time on delay", func() {
		Expect(chip.Delay(ctx, 200*time.Millisecond)).To(Succeed())
		Expect(chip.Now()).To(BeNumerically("~", timing.VTimeInSec(0.2), 1e-9))

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		Expect(chip.Delay(cancelled, time.Second)).To(MatchError(context.Canceled))
	})

	It("should assert lines for host events", func() {
		chip.RaiseSystem(regmap.SysIntTunnelRequest)
		chip.RaiseNVMe(regmap.NVMeIntDoorbell)
		chip.RaiseLink(regmap.LinkStatusIdle)
		chip.RaiseSource(regmap.QueueB)

		Expect(lines).To(Equal([]regmap.Line{
			regmap.LineSystem, regmap.LineSystem, regmap.LinePCIe, regmap.LinePCIe,
		}))
		regs := chip.Registers()
		Expect(regs.Peek(regmap.SysIntStatus)).To(Equal(uint8(0x06)))
		Expect(regs.Peek(regmap.IntSourceB)).To(Equal(regmap.SourcePending))
	})

	It("should parse fault names", func() {
		f, ok := ParseFault("hang")
		Expect(ok).To(BeTrue())
		Expect(f).To(Equal(FaultHang))

		_, ok = ParseFault("melt")
		Expect(ok).To(BeFalse())
	})
})
