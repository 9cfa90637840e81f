package tlp

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("PackConfigAddress", func() {
	DescribeTable("packs the register bits",
		func(a2, a3, wantByte2, wantByte3 uint8) {
			packed := PackConfigAddress([4]byte{0x00, 0x12, a2, a3})

			Expect(packed[0]).To(Equal(uint8(0x00)))
			Expect(packed[1]).To(Equal(uint8(0x12)))
			Expect(packed[2]).To(Equal(wantByte2))
			Expect(packed[3]).To(Equal(wantByte3))
		},
		Entry("only high register bits", uint8(0x34), uint8(0xC0), uint8(0x03), uint8(0x00)),
		Entry("one bit on each side", uint8(0x01), uint8(0x40), uint8(0x05), uint8(0x00)),
		Entry("all bits", uint8(0x03), uint8(0xFF), uint8(0x0F), uint8(0xFC)),
		Entry("carry across bytes", uint8(0x02), uint8(0x25), uint8(0x08), uint8(0x94)),
	)

	It("should keep the reserved high nibble clear", func() {
		for a2 := 0; a2 < 256; a2++ {
			packed := PackConfigAddress([4]byte{0, 0, uint8(a2), 0xFF})
			Expect(packed[2] & 0xF0).To(BeZero())
		}
	})
})

var _ = Describe("ConfigAddress", func() {
	It("should lay out bus, devfn and register", func() {
		cfg := ConfigAddress{Bus: 1, Device: 2, Function: 3, Register: 0x1C5}

		Expect(cfg.Raw()).To(Equal([4]byte{0x01, 0x13, 0x01, 0xC5}))
		Expect(cfg.String()).To(Equal("01:02.3+0x714"))
	})

	It("should survive packing", func() {
		for _, reg := range []uint16{0x000, 0x001, 0x0C0, 0x1C5, 0x3FF} {
			cfg := ConfigAddress{Bus: 0x12, Device: 0x1F, Function: 7, Register: reg}

			Expect(UnpackConfigAddress(PackConfigAddress(cfg.Raw()))).To(Equal(cfg))
		}
	})
})

var _ = Describe("Descriptor", func() {
	It("should pick format codes by direction and type", func() {
		Expect(MemoryFormat(Read)).To(Equal(MemRead))
		Expect(MemoryFormat(Write)).To(Equal(MemWrite))
		Expect(ConfigFormat(Read, Type0)).To(Equal(CfgRead0))
		Expect(ConfigFormat(Read, Type1)).To(Equal(CfgRead1))
		Expect(ConfigFormat(Write, Type0)).To(Equal(CfgWrite0))
		Expect(ConfigFormat(Write, Type1)).To(Equal(CfgWrite1))
		Expect(CfgWrite1.IsConfig()).To(BeTrue())
		Expect(MemWrite.IsConfig()).To(BeFalse())
	})

	It("should store memory addresses most significant byte first", func() {
		d := MemoryDescriptor(Write, 0x12345678)

		Expect(d.Address).To(Equal([4]byte{0x12, 0x34, 0x56, 0x78}))
		Expect(d.Addr()).To(Equal(uint32(0x12345678)))
		Expect(d.ByteEnables).To(Equal(AllBytes))
		Expect(d.Length).To(Equal(DefaultLength))
		Expect(d.Validate()).To(Succeed())
	})

	It("should reject bad byte enables and lengths", func() {
		d := ConfigDescriptor(Read, Type0, [4]byte{}, 0)
		Expect(d.Validate()).To(MatchError(ErrByteEnables))

		d.ByteEnables = 0x1F
		Expect(d.Validate()).To(MatchError(ErrByteEnables))

		d.ByteEnables = 0x03
		d.Length = 0x10
		Expect(d.Validate()).To(MatchError(ErrLength))
	})
})

var _ = Describe("Result", func() {
	It("should map outcomes to codes", func() {
		Expect(success(0).Code()).To(Equal(uint8(0)))
		Expect(success(5).Code()).To(Equal(uint8(5)))
		Expect(timeoutResult.Code()).To(Equal(CodeTimeout))
		Expect(completionResult.Code()).To(Equal(CodeCompletionError))
	})

	It("should map errors to results", func() {
		Expect(ResultOf(nil).OK()).To(BeTrue())
		Expect(ResultOf(ErrCompletion).Outcome).To(Equal(OutcomeCompletionError))
		Expect(ResultOf(ErrTimeout).Outcome).To(Equal(OutcomeTimeout))
		Expect(ResultOf(ErrPollBound).Outcome).To(Equal(OutcomeTimeout))
		Expect(ResultOf(ErrByteEnables)).To(Equal(Result{}))
		Expect(ResultOf(ErrLength).Code()).To(BeZero())
	})

	It("should not treat an empty result as a success", func() {
		var res Result

		Expect(res.OK()).To(BeFalse())
		Expect(res.Outcome.String()).To(Equal("none"))
	})
})
