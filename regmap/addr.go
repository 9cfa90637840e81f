package regmap

import "fmt"

// Addr is the address of one 8-bit register in the bridge's XDATA space.
type Addr uint16

func (a Addr) String() string {
	return fmt.Sprintf("0x%04X", uint16(a))
}

// Offset returns the address n registers after a.
func (a Addr) Offset(n int) Addr {
	return Addr(int(a) + n)
}

// Transaction unit. The twelve setup registers occupy 0xB210-0xB21B.
const (
	TLPFormatType  Addr = 0xB210
	TLPTag         Addr = 0xB211
	TLPAttr        Addr = 0xB212
	TLPControl     Addr = 0xB213
	TLPRequesterLo Addr = 0xB214
	TLPRequesterHi Addr = 0xB215
	TLPLength      Addr = 0xB216
	TLPByteEnable  Addr = 0xB217
	TLPAddr0       Addr = 0xB218
	TLPAddr1       Addr = 0xB219
	TLPAddr2       Addr = 0xB21A
	TLPAddr3       Addr = 0xB21B

	TLPData0 Addr = 0xB220
	TLPData1 Addr = 0xB221
	TLPData2 Addr = 0xB222
	TLPData3 Addr = 0xB223

	LinkStatus   Addr = 0xB22A
	CplCode      Addr = 0xB22B
	CplData      Addr = 0xB22C
	CplDataAux   Addr = 0xB22D
	LinkEventAux Addr = 0xB22E
	LinkEventAck Addr = 0xB22F
	TLPTrigger   Addr = 0xB254
	TLPStatus    Addr = 0xB296
	LinkState    Addr = 0xB434
)

// Register counts of the transaction unit blocks.
const (
	NumSetupRegs = 12
	NumDataRegs  = 4
)

// Transaction status bits (TLPStatus).
const (
	StatusError    uint8 = 1 << iota // transaction failed
	StatusComplete                   // completion received
	StatusBusy                       // transaction accepted and running
)

// TriggerStart is written to TLPTrigger to launch a transaction.
const TriggerStart uint8 = 0x0F

// Link status bits (LinkStatus). Bits 7:5 carry the negotiated speed.
const (
	LinkStatusDone     uint8 = 1 << 0
	LinkStatusTrain    uint8 = 1 << 1
	LinkStatusError    uint8 = 1 << 2
	LinkStatusIdle     uint8 = 1 << 3
	LinkStatusSpeedPos       = 5
	LinkStatusSpeed    uint8 = 0x07 << LinkStatusSpeedPos
)

// Link event aux bits (LinkEventAux).
const (
	AuxCompletionPending uint8 = 1 << 0
	AuxErrorPending      uint8 = 1 << 1
)

// LinkEventAckValue is the fixed constant written to LinkEventAck by the
// cleanup phase of the PCIe interrupt cascade.
const LinkEventAckValue uint8 = 0xF0

// LaneMaskBits selects the lane mask nibble of LinkState.
const LaneMaskBits uint8 = 0x0F

// Tunnel adapter block.
const (
	TunnelControl Addr = 0xB401
	AdapterMode   Addr = 0xB403

	TunnelLinkA  Addr = 0xB410
	TunnelModeA  Addr = 0xB412
	TunnelCapA   Addr = 0xB415
	TunnelCredA  Addr = 0xB420
	TunnelCredB  Addr = 0xB422
	TunnelCapB   Addr = 0xB425
	TunnelPathA  Addr = 0xB42A
	TunnelPathB  Addr = 0xB42C
	LinkControl  Addr = 0xB480
	TunnelConfig Addr = 0xB482
)

// CapPatternLen is the length of each capability pattern region.
const CapPatternLen = 3

// AdapterModeTunnel is the high nibble that marks the adapter as tunnelling.
const AdapterModeTunnel uint8 = 0xF0

// TunnelConfigEnable is the tunnel-config bit set at the end of bring-up.
const TunnelConfigEnable uint8 = 1 << 4

// CPU and platform registers touched by mode changes.
const (
	CPUMode       Addr = 0xCA06
	PlatformPHY   Addr = 0xCA81
	PlatformClock Addr = 0xC659
	XferCount     Addr = 0xC8D4
	DMAWorkLo     Addr = 0xC8D6
	DMAWorkHi     Addr = 0xC8D7
)

// CPUModeNVMe marks the CPU as servicing the direct NVMe path.
const CPUModeNVMe uint8 = 1 << 4

// Interrupt sources.
const (
	SysIntStatus    Addr = 0xC806
	SysIntEnable    Addr = 0xC807
	USBMasterStatus Addr = 0xC80A
	USBMasterEnable Addr = 0xC80B
	NVMeIntStatus   Addr = 0xC80E
	NVMeIntEnable   Addr = 0xC80F
	IntSourceA      Addr = 0xC8A9
	IntSourceB      Addr = 0xC8AA
	EventControl    Addr = 0xC8AB
	QueueFlags      Addr = 0xC8AC
)

// System interrupt status bits (SysIntStatus).
const (
	SysIntUSBMaster     uint8 = 1 << 0
	SysIntTunnelRequest uint8 = 1 << 1
	SysIntNVMe          uint8 = 1 << 2
)

// NVMe interrupt status bits (NVMeIntStatus).
const (
	NVMeIntDoorbell uint8 = 1 << 0
)

// Bits of the PCIe-path event sources.
const (
	SourcePending      uint8 = 1 << 7
	QueueFlagActive    uint8 = 1 << 4
	EventControlArmed  uint8 = 1<<0 | 1<<7
	EventControlQueueA uint8 = 1 << 2
	EventControlQueueB uint8 = 0x1F
)
