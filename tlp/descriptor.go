// Package tlp drives the bridge's transaction unit: it formats a Transaction
// Layer Packet descriptor into the setup registers, triggers the unit, polls
// the completion status and classifies the outcome.
//
// Exactly one transaction may be outstanding. Callers prove exclusive access
// by passing a held state.Token.
package tlp

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Direction is the data direction of a transaction.
type Direction uint8

// Directions.
const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}

	return "read"
}

// FormatType is the combined format/type code written to the format register.
type FormatType uint8

// Format/type codes of the transactions the unit issues.
const (
	MemRead   FormatType = 0x00
	MemWrite  FormatType = 0x40
	CfgRead0  FormatType = 0x04
	CfgRead1  FormatType = 0x05
	CfgWrite0 FormatType = 0x44
	CfgWrite1 FormatType = 0x45
)

func (f FormatType) String() string {
	switch f {
	case MemRead:
		return "MRd"
	case MemWrite:
		return "MWr"
	case CfgRead0:
		return "CfgRd0"
	case CfgRead1:
		return "CfgRd1"
	case CfgWrite0:
		return "CfgWr0"
	case CfgWrite1:
		return "CfgWr1"
	default:
		return fmt.Sprintf("FormatType(0x%02X)", uint8(f))
	}
}

// IsConfig reports whether f addresses configuration space.
func (f FormatType) IsConfig() bool {
	return f&0x04 != 0
}

// ConfigType selects a type 0 (local bus) or type 1 (behind a bridge)
// configuration request.
type ConfigType uint8

// Configuration request types.
const (
	Type0 ConfigType = 0
	Type1 ConfigType = 1
)

// MemoryFormat returns the format code of a memory request.
func MemoryFormat(dir Direction) FormatType {
	if dir == Write {
		return MemWrite
	}

	return MemRead
}

// ConfigFormat returns the format code of a configuration request.
func ConfigFormat(dir Direction, typ ConfigType) FormatType {
	base := CfgRead0
	if dir == Write {
		base = CfgWrite0
	}

	return base | FormatType(typ&0x01)
}

// AllBytes enables all four bytes of the dword.
const AllBytes uint8 = 0x0F

// DefaultLength is the dword count used by every transaction the bridge issues.
const DefaultLength uint8 = 0x20

// Descriptor is one transaction as programmed into the setup registers.
type Descriptor struct {
	Direction   Direction
	FormatType  FormatType
	Address     [4]byte
	ByteEnables uint8
	Length      uint8
}

// MemoryDescriptor builds the descriptor of a memory request. The address is
// stored most significant byte first.
func MemoryDescriptor(dir Direction, addr uint32) Descriptor {
	d := Descriptor{
		Direction:   dir,
		FormatType:  MemoryFormat(dir),
		ByteEnables: AllBytes,
		Length:      DefaultLength,
	}
	binary.BigEndian.PutUint32(d.Address[:], addr)

	return d
}

// ConfigDescriptor builds the descriptor of a configuration request from the
// raw bus/devfn/register bytes.
func ConfigDescriptor(
	dir Direction,
	typ ConfigType,
	raw [4]byte,
	byteEnables uint8,
) Descriptor {
	return Descriptor{
		Direction:   dir,
		FormatType:  ConfigFormat(dir, typ),
		Address:     PackConfigAddress(raw),
		ByteEnables: byteEnables,
		Length:      DefaultLength,
	}
}

// Addr returns the address as a 32-bit value.
func (d Descriptor) Addr() uint32 {
	return binary.BigEndian.Uint32(d.Address[:])
}

// Validate checks the fields software may get wrong.
func (d Descriptor) Validate() error {
	if d.ByteEnables == 0 || d.ByteEnables > AllBytes {
		return fmt.Errorf("%w: 0x%02X", ErrByteEnables, d.ByteEnables)
	}

	if d.Length != DefaultLength {
		return fmt.Errorf("%w: 0x%02X", ErrLength, d.Length)
	}

	return nil
}

// ConfigAddress names one dword of a function's configuration space.
// Register is the dword index (0-1023) including the extended register bits.
type ConfigAddress struct {
	Bus      uint8
	Device   uint8
	Function uint8
	Register uint16
}

// Raw returns the unpacked bus, devfn, register-high and register-low bytes.
func (c ConfigAddress) Raw() [4]byte {
	return [4]byte{
		c.Bus,
		c.Device<<3 | c.Function&0x07,
		uint8(c.Register>>8) & 0x03,
		uint8(c.Register),
	}
}

func (c ConfigAddress) String() string {
	return fmt.Sprintf("%02x:%02x.%d+0x%03x",
		c.Bus, c.Device, c.Function, uint32(c.Register)<<2)
}

// PackConfigAddress packs raw configuration bytes into the four address
// registers. Byte 2 gets the register bits 9:8 and 7:6 rotated six bits right
// into its low nibble, with the reserved high nibble zero. Byte 3 gets the
// remaining register bits shifted up by two.
func PackConfigAddress(raw [4]byte) [4]byte {
	hi := bits.RotateLeft8(raw[2]&0x03, -6)
	lo := bits.RotateLeft8(raw[3]&0xC0, -6)

	return [4]byte{
		raw[0],
		raw[1],
		(hi | lo) & 0x0F,
		raw[3] << 2,
	}
}

// UnpackConfigAddress reverses PackConfigAddress.
func UnpackConfigAddress(packed [4]byte) ConfigAddress {
	return ConfigAddress{
		Bus:      packed[0],
		Device:   packed[1] >> 3,
		Function: packed[1] & 0x07,
		Register: uint16(packed[2]&0x0F)<<6 | uint16(packed[3]>>2),
	}
}
