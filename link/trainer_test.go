package link

import (
	"context"
	"time"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/usb4bridge/hooking"
	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/state"
)

var _ = Describe("Trainer", func() {
	var (
		mockCtrl *gomock.Controller
		phy      *MockPHY
		delayer  *MockDelayer
		regs     *regmap.File
		st       *state.State
		tok      *state.Token
		log      *regmap.WriteLog
		trainer  *Trainer
		ctx      context.Context
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		phy = NewMockPHY(mockCtrl)
		delayer = NewMockDelayer(mockCtrl)
		regs = regmap.NewFile()
		st = state.New()
		ctx = context.Background()
		tok, _ = st.TryAcquire()

		trainer = MakeBuilder().
			WithSpace(regs).
			WithState(st).
			WithPHY(phy).
			WithDelayer(delayer).
			Build()

		log = regmap.NewWriteLog(0)
		regs.AcceptHook(log)
	})

	AfterEach(func() {
		tok.Release()
		mockCtrl.Finish()
	})

	laneWrites := func() []uint8 {
		var out []uint8
		for _, w := range log.Writes() {
			if w.Addr == regmap.LinkState {
				out = append(out, w.Value)
			}
		}

		return out
	}

	It("should return at once when the full width is already up", func() {
		regs.Load(regmap.LinkState, 0xAF)

		Expect(trainer.Train(ctx, tok, 0x0F)).To(Succeed())

		Expect(log.Len()).To(BeZero())
		Expect(st.Snapshot().TrainingExhausted).To(BeZero())
		Expect(st.Snapshot().TrainingRuns).To(Equal(uint64(1)))
	})

	It("should return at once when the target matches", func() {
		regs.Load(regmap.LinkState, 0x03)

		Expect(trainer.Train(ctx, tok, 0x03)).To(Succeed())
		Expect(log.Len()).To(BeZero())
	})

	It("should narrow to a partial target", func() {
		regs.Load(regmap.LinkState, 0x53)
		phy.EXPECT().StartTraining().Times(2)
		delayer.EXPECT().Delay(ctx, DefaultSettleDelay).Return(nil).Times(2)

		Expect(trainer.Train(ctx, tok, 0x01)).To(Succeed())

		Expect(laneWrites()).To(Equal([]uint8{0x53, 0x51}))
		f := st.Snapshot()
		Expect(f.LaneMask).To(Equal(uint8(0x01)))
		Expect(f.TargetLaneMask).To(Equal(uint8(0x01)))
		Expect(f.AttemptWeight).To(Equal(uint8(4)))
		Expect(f.TrainingExhausted).To(BeZero())
	})

	It("should give up silently after four rounds", func() {
		regs.Load(regmap.LinkState, 0x0F)
		phy.EXPECT().StartTraining().Times(MaxAttempts)
		delayer.EXPECT().Delay(gomock.Any(), gomock.Any()).Return(nil).Times(MaxAttempts)

		var exhausted []Attempt
		trainer.AcceptHook(hooking.PosFilter(
			hooking.HookFunc(func(c hooking.HookCtx) {
				exhausted = append(exhausted, c.Item.(Attempt))
			}),
			HookPosTrainExhausted,
		))

		Expect(trainer.Train(ctx, tok, 0x03)).To(Succeed())

		Expect(cmp.Diff([]uint8{0x0F, 0x0F, 0x0B, 0x03}, laneWrites())).To(BeEmpty())
		Expect(st.Snapshot().TrainingExhausted).To(Equal(uint64(1)))
		Expect(exhausted).To(HaveLen(1))
		Expect(exhausted[0].Mask).To(Equal(uint8(0x03)))
	})

	It("should widen towards full width keeping the high nibble", func() {
		regs.Load(regmap.LinkState, 0x93)
		phy.EXPECT().StartTraining().Times(MaxAttempts)
		delayer.EXPECT().Delay(gomock.Any(), gomock.Any()).Return(nil).Times(MaxAttempts)

		Expect(trainer.Train(ctx, tok, 0xFF)).To(Succeed())

		Expect(laneWrites()).To(Equal([]uint8{0x93, 0x93, 0x97, 0x9F}))
		Expect(st.Snapshot().LaneMask).To(Equal(uint8(0x0F)))
	})

	It("should report attempts", func() {
		regs.Load(regmap.LinkState, 0x03)
		phy.EXPECT().StartTraining().Times(2)
		delayer.EXPECT().Delay(gomock.Any(), gomock.Any()).Return(nil).Times(2)

		var attempts []Attempt
		trainer.AcceptHook(hooking.PosFilter(
			hooking.HookFunc(func(c hooking.HookCtx) {
				attempts = append(attempts, c.Item.(Attempt))
			}),
			HookPosTrainAttempt,
		))

		Expect(trainer.Train(ctx, tok, 0x01)).To(Succeed())

		Expect(attempts).To(Equal([]Attempt{
			{Number: 1, Target: 0x01, Weight: 1, Mask: 0x03},
			{Number: 2, Target: 0x01, Weight: 2, Mask: 0x01},
		}))
	})

	It("should stop when the delay is cancelled", func() {
		regs.Load(regmap.LinkState, 0x0F)
		phy.EXPECT().StartTraining()
		delayer.EXPECT().Delay(gomock.Any(), gomock.Any()).Return(context.Canceled)

		err := trainer.Train(ctx, tok, 0x03)

		Expect(err).To(MatchError(context.Canceled))
		Expect(st.Snapshot().TrainingExhausted).To(BeZero())
	})
})

var _ = Describe("WallClock", func() {
	It("should wait", func() {
		start := time.Now()

		Expect(WallClock{}.Delay(context.Background(), 5*time.Millisecond)).To(Succeed())
		Expect(time.Since(start)).To(BeNumerically(">=", 5*time.Millisecond))
	})

	It("should return early when cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		Expect(WallClock{}.Delay(ctx, time.Hour)).To(MatchError(context.Canceled))
	})
})
