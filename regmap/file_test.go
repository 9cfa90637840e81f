package regmap

import (
	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("File", func() {
	var (
		f   *File
		log *WriteLog
	)

	BeforeEach(func() {
		f = NewFile()
		log = NewWriteLog(0)
		f.AcceptHook(log)
	})

	It("should store plain registers", func() {
		f.Write(TLPFormatType, 0x44)

		Expect(f.Read(TLPFormatType)).To(Equal(uint8(0x44)))
	})

	It("should clear W1C bits when the same bit is written", func() {
		f.Raise(TLPStatus, StatusBusy|StatusComplete)

		f.Write(TLPStatus, StatusBusy)

		Expect(f.Read(TLPStatus)).To(Equal(StatusComplete))
	})

	It("should not set W1C bits from software", func() {
		f.Write(TLPStatus, StatusError)

		Expect(f.Read(TLPStatus)).To(Equal(uint8(0)))
	})

	It("should keep read-only bits of the link status", func() {
		f.Drive(LinkStatus, LinkStatusSpeed, 3<<LinkStatusSpeedPos)
		f.Raise(LinkStatus, LinkStatusTrain|LinkStatusDone)

		f.Write(LinkStatus, LinkStatusTrain|LinkStatusError|LinkStatusSpeed)

		Expect(f.Read(LinkStatus)).To(Equal(uint8(0x60 | LinkStatusDone)))
	})

	It("should notify watchers after the write is applied", func() {
		var seen []Access
		f.OnWrite(TLPTrigger, func(acc Access) {
			seen = append(seen, acc)
			f.Raise(TLPStatus, StatusBusy)
		})

		f.Write(TLPTrigger, TriggerStart)

		Expect(seen).To(HaveLen(1))
		Expect(seen[0].After).To(Equal(TriggerStart))
		Expect(f.Peek(TLPStatus)).To(Equal(StatusBusy))
	})

	It("should log software writes only", func() {
		f.Write(TLPAddr0, 0x11)
		f.Raise(SysIntStatus, SysIntNVMe)
		f.Read(TLPAddr0)
		f.Write(TLPAddr1, 0x22)

		want := []Write{{TLPAddr0, 0x11}, {TLPAddr1, 0x22}}
		Expect(cmp.Diff(want, log.Writes())).To(BeEmpty())
	})

	It("should trim the write log to its limit", func() {
		short := NewWriteLog(2)
		f.AcceptHook(short)

		Fill(f, TLPFormatType, NumSetupRegs, 0)

		Expect(short.Len()).To(Equal(2))
		Expect(short.Writes()[1].Addr).To(Equal(TLPAddr3))
	})

	It("should dump consecutive registers", func() {
		WriteBytes(f, TLPData0, []uint8{1, 2, 3, 4})

		Expect(f.Dump(TLPData0, NumDataRegs)).To(Equal([]uint8{1, 2, 3, 4}))
		Expect(ReadBytes(f, TLPData0, 2)).To(Equal([]uint8{1, 2}))
	})
})

var _ = Describe("StatusRegister", func() {
	var (
		f   *File
		reg StatusRegister
	)

	BeforeEach(func() {
		f = NewFile()
		reg = NewStatusRegister(f, SysIntStatus)
	})

	It("should test bits", func() {
		f.Raise(SysIntStatus, SysIntUSBMaster|SysIntNVMe)

		Expect(reg.Test(SysIntNVMe)).To(BeTrue())
		Expect(reg.Test(SysIntTunnelRequest)).To(BeFalse())
		Expect(reg.TestAll(SysIntUSBMaster | SysIntNVMe)).To(BeTrue())
		Expect(reg.TestAll(SysIntUSBMaster | SysIntTunnelRequest)).To(BeFalse())
	})

	It("should acknowledge only the given bits", func() {
		f.Raise(SysIntStatus, SysIntUSBMaster|SysIntNVMe)

		reg.Acknowledge(SysIntNVMe)

		Expect(reg.Read()).To(Equal(SysIntUSBMaster))
		Expect(reg.Addr()).To(Equal(SysIntStatus))
	})
})

var _ = Describe("read-modify-write helpers", func() {
	It("should set, clear and update bits", func() {
		f := NewBareFile()
		f.Write(LinkState, 0xA5)

		SetBits(f, LinkState, 0x02)
		Expect(f.Read(LinkState)).To(Equal(uint8(0xA7)))

		ClearBits(f, LinkState, 0x80)
		Expect(f.Read(LinkState)).To(Equal(uint8(0x27)))

		Update(f, LinkState, LaneMaskBits, 0x03)
		Expect(f.Read(LinkState)).To(Equal(uint8(0x23)))
	})
})
