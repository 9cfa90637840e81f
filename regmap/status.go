package regmap

// StatusRegister is a bit-mapped event register whose bits are acknowledged
// by writing the same bit value back. Acknowledge is its only mutating
// operation, so callers cannot write the wrong polarity.
type StatusRegister struct {
	space Space
	addr  Addr
}

// NewStatusRegister binds a status register at addr in space.
func NewStatusRegister(space Space, addr Addr) StatusRegister {
	return StatusRegister{space: space, addr: addr}
}

// Addr returns the register address.
func (r StatusRegister) Addr() Addr {
	return r.addr
}

// Read returns the raw register value.
func (r StatusRegister) Read() uint8 {
	return r.space.Read(r.addr)
}

// Test reports whether any of bits is set.
func (r StatusRegister) Test(bits uint8) bool {
	return r.Read()&bits != 0
}

// TestAll reports whether all of bits are set.
func (r StatusRegister) TestAll(bits uint8) bool {
	return r.Read()&bits == bits
}

// Acknowledge clears bits by writing them back.
func (r StatusRegister) Acknowledge(bits uint8) {
	r.space.Write(r.addr, bits)
}

// SetBits sets bits of a plain register with a read-modify-write.
func SetBits(s Space, addr Addr, bits uint8) {
	s.Write(addr, s.Read(addr)|bits)
}

// ClearBits clears bits of a plain register with a read-modify-write.
func ClearBits(s Space, addr Addr, bits uint8) {
	s.Write(addr, s.Read(addr)&^bits)
}

// Update replaces the masked bits of a plain register.
func Update(s Space, addr Addr, mask, value uint8) {
	s.Write(addr, s.Read(addr)&^mask|value&mask)
}

// Fill writes v into n consecutive registers starting at base.
func Fill(s Space, base Addr, n int, v uint8) {
	for i := 0; i < n; i++ {
		s.Write(base.Offset(i), v)
	}
}

// WriteBytes writes data into consecutive registers starting at base.
func WriteBytes(s Space, base Addr, data []uint8) {
	for i, v := range data {
		s.Write(base.Offset(i), v)
	}
}

// ReadBytes reads n consecutive registers starting at base.
func ReadBytes(s Space, base Addr, n int) []uint8 {
	out := make([]uint8, n)
	for i := range out {
		out[i] = s.Read(base.Offset(i))
	}

	return out
}
