package silicon

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/usb4bridge/tlp"
)

var _ = Describe("NVMeEndpoint", func() {
	var ep *NVMeEndpoint

	BeforeEach(func() {
		ep = NewNVMeEndpoint(DefaultIdentity, DefaultBARBase, DefaultBARSize)
	})

	configRead := func(cfg tlp.ConfigAddress) Response {
		return ep.Handle(Request{
			Format:      tlp.CfgRead0,
			Address:     tlp.PackConfigAddress(cfg.Raw()),
			ByteEnables: tlp.AllBytes,
		})
	}

	It("should expose the identity in configuration space", func() {
		resp := configRead(tlp.ConfigAddress{Bus: 1})

		Expect(resp.Code).To(Equal(CodeSuccess))
		Expect(resp.Data).To(Equal([4]byte{0x87, 0x19, 0x16, 0x50}))

		resp = configRead(tlp.ConfigAddress{Bus: 1, Register: 2})
		Expect(resp.Data).To(Equal([4]byte{0x01, 0x02, 0x08, 0x01}))

		resp = configRead(tlp.ConfigAddress{Bus: 1, Register: 4})
		Expect(resp.Data).To(Equal([4]byte{0x00, 0x00, 0x20, 0x00}))
	})

	It("should reject absent functions", func() {
		resp := configRead(tlp.ConfigAddress{Bus: 2})

		Expect(resp.Code).To(Equal(CodeUnsupported))
	})

	It("should honour byte enables on configuration writes", func() {
		cfg := tlp.ConfigAddress{Bus: 1, Register: 0x10}
		ep.Handle(Request{
			Format:      tlp.CfgWrite0,
			Address:     tlp.PackConfigAddress(cfg.Raw()),
			ByteEnables: 0x05,
			Data:        [4]byte{0xAA, 0xBB, 0xCC, 0xDD},
		})

		Expect(configRead(cfg).Data).To(Equal([4]byte{0xAA, 0x00, 0xCC, 0x00}))
	})

	It("should back the BAR with storage", func() {
		addr := tlp.MemoryDescriptor(tlp.Write, DefaultBARBase+0x100).Address
		resp := ep.Handle(Request{
			Format:      tlp.MemWrite,
			Address:     addr,
			ByteEnables: tlp.AllBytes,
			Data:        [4]byte{1, 2, 3, 4},
		})
		Expect(resp.Code).To(Equal(CodeSuccess))

		resp = ep.Handle(Request{Format: tlp.MemRead, Address: addr, ByteEnables: tlp.AllBytes})
		Expect(resp.Data).To(Equal([4]byte{1, 2, 3, 4}))

		stored, _ := ep.BAR().Read(0x100, 4)
		Expect(stored).To(Equal([]byte{1, 2, 3, 4}))
		Expect(ep.Requests()).To(Equal(2))
	})

	It("should reject memory outside the BAR", func() {
		below := tlp.MemoryDescriptor(tlp.Read, 0x1000).Address
		above := tlp.MemoryDescriptor(tlp.Read, DefaultBARBase+uint32(DefaultBARSize)).Address

		Expect(ep.Handle(Request{Format: tlp.MemRead, Address: below, ByteEnables: 0x0F}).Code).
			To(Equal(CodeUnsupported))
		Expect(ep.Handle(Request{Format: tlp.MemRead, Address: above, ByteEnables: 0x0F}).Code).
			To(Equal(CodeUnsupported))
	})
})
