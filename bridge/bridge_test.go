package bridge

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/usb4bridge/irq"
	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/silicon"
	"github.com/sarchlab/usb4bridge/state"
	"github.com/sarchlab/usb4bridge/tlp"
)

// flakyEndpoint rejects the first failures requests.
type flakyEndpoint struct {
	lock     sync.Mutex
	failures int
	inner    silicon.Endpoint
}

func (e *flakyEndpoint) Handle(req silicon.Request) silicon.Response {
	e.lock.Lock()
	fail := e.failures > 0
	if fail {
		e.failures--
	}
	e.lock.Unlock()

	if fail {
		return silicon.Response{Code: silicon.CodeUnsupported}
	}

	return e.inner.Handle(req)
}

var _ = Describe("Bridge", func() {
	var (
		chip *silicon.Chip
		b    *Bridge
		ctx  context.Context
	)

	build := func(chipBuilder silicon.Builder) {
		chip = chipBuilder.Build("Chip")
		b = MakeBuilder().WithChip(chip).Build("Bridge")
	}

	BeforeEach(func() {
		ctx = context.Background()
		build(silicon.MakeBuilder())
	})

	It("should do nothing in a step without a request", func() {
		Expect(b.Step(ctx)).To(Succeed())
		Expect(chip.Host().Calls(silicon.CallUSBSync)).To(BeZero())
	})

	It("should read and write device memory", func() {
		addr := silicon.DefaultBARBase + 0x80

		res, err := b.WriteMemory(ctx, addr, [4]byte{0xCA, 0xFE, 0xBA, 0xBE})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Code()).To(BeZero())

		data, res, err := b.ReadMemory(ctx, addr)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.OK()).To(BeTrue())
		Expect(data).To(Equal([4]byte{0xCA, 0xFE, 0xBA, 0xBE}))
	})

	It("should read and write configuration space", func() {
		cfg := tlp.ConfigAddress{Bus: 1, Register: 0x20}

		_, err := b.WriteConfig(ctx, tlp.Type0, cfg, 0x03, [4]byte{0x11, 0x22, 0x33, 0x44})
		Expect(err).NotTo(HaveOccurred())

		// Let the posted write land before reading it back.
		Expect(chip.Delay(ctx, time.Microsecond)).To(Succeed())

		data, _, err := b.ReadConfig(ctx, tlp.Type0, cfg, tlp.AllBytes)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([4]byte{0x11, 0x22, 0x00, 0x00}))
	})

	It("should reach full width on the second training run", func() {
		Expect(b.Train(ctx, state.FullWidth)).To(Succeed())
		Expect(b.State().Snapshot().TrainingExhausted).To(Equal(uint64(1)))
		Expect(chip.PHY().Attempts()).To(Equal(4))

		Expect(b.Train(ctx, state.FullWidth)).To(Succeed())
		f := b.State().Snapshot()
		Expect(f.TrainingExhausted).To(Equal(uint64(1)))
		Expect(f.LaneMask).To(Equal(state.FullWidth))
		Expect(chip.PHY().Attempts()).To(Equal(4))
	})

	It("should queue training completions as PCIe interrupts", func() {
		Expect(b.Train(ctx, state.FullWidth)).To(Succeed())
		Expect(b.Pending()).To(BeNumerically(">", 0))

		reports, err := b.Drain(ctx)

		Expect(err).NotTo(HaveOccurred())
		Expect(reports[0].Line).To(Equal(irq.LinePCIe))
		Expect(reports[0].Has(irq.PhaseLinkComplete)).To(BeTrue())
		Expect(b.State().Snapshot().Link).To(Equal(state.LinkConfigured))
		Expect(chip.PHY().Resets()).To(Equal(1))
	})

	It("should switch to tunnel mode on a host request", func() {
		adapter := state.AdapterConfig{LinkConfigLo: 0x01, LinkConfigHi: 0x02, Mode: 0x03, Aux: 0x04}
		Expect(b.RequestTunnel(ctx, adapter)).To(Succeed())

		chip.RaiseSystem(regmap.SysIntTunnelRequest)
		reports, err := b.Drain(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(reports[0].Has(irq.PhaseTunnelRequest)).To(BeTrue())

		Expect(b.Step(ctx)).To(Succeed())

		f := b.State().Snapshot()
		Expect(f.Mode).To(Equal(state.ModeTunnel))
		Expect(f.TunnelRequested).To(BeFalse())
		Expect(chip.Host().Calls(silicon.CallUSBSync)).To(Equal(1))
		Expect(chip.Registers().Peek(regmap.TunnelLinkA)).To(Equal(uint8(0x01)))
		Expect(chip.PHY().Attempts()).To(BeNumerically(">", 0))
	})

	It("should coalesce interrupts beyond the queue depth", func() {
		chip = silicon.MakeBuilder().Build("Chip")
		b = MakeBuilder().WithChip(chip).WithQueueDepth(1).Build("Bridge")

		b.Interrupt(irq.LinePCIe)
		b.Interrupt(irq.LinePCIe)

		Expect(b.Pending()).To(Equal(1))
	})

	Context("probing", func() {
		var flaky *flakyEndpoint

		BeforeEach(func() {
			flaky = &flakyEndpoint{
				inner: silicon.NewNVMeEndpoint(silicon.DefaultIdentity,
					silicon.DefaultBARBase, silicon.DefaultBARSize),
			}
			build(silicon.MakeBuilder().WithEndpoint(flaky))
		})

		It("should re-issue until the function answers", func() {
			flaky.failures = 2

			data, err := b.Probe(ctx, tlp.ConfigAddress{Bus: 1})

			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([4]byte{0x87, 0x19, 0x16, 0x50}))
			Expect(chip.Now()).To(BeNumerically(">=", 3e-3))
		})

		It("should give up after the policy's attempts", func() {
			flaky.failures = 100

			_, err := b.Probe(ctx, tlp.ConfigAddress{Bus: 1})

			Expect(err).To(MatchError(ErrProbeExhausted))
			Expect(err).To(MatchError(tlp.ErrCompletion))
			Expect(chip.Transactions()).To(Equal(DefaultProbePolicy.Attempts))
		})
	})

	It("should run the main loop and dispatch concurrently", func() {
		ctx, cancel := context.WithCancel(ctx)
		done := make(chan error)

		go func() {
			done <- b.Run(ctx)
		}()

		chip.RaiseLink(regmap.LinkStatusIdle)

		Eventually(func() state.LinkState {
			return b.State().Snapshot().Link
		}).Should(Equal(state.LinkIdle))

		Expect(b.RequestTunnel(ctx, state.AdapterConfig{})).To(Succeed())

		Eventually(func() state.TunnelMode {
			return b.State().Snapshot().Mode
		}).Should(Equal(state.ModeTunnel))

		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})
})
