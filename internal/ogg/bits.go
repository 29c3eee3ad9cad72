package ogg

// Bit-level reads over a packet. Bits are taken from each byte starting at
// the least significant bit, the packing used by Vorbis and Theora headers.

// ReadBits reads n bits, 0 <= n <= 32, and returns them right-aligned.
func (p *Packet) ReadBits(n int) (uint32, error) {
	if n < 0 || n > 32 {
		return 0, ErrBitCount
	}
	for p.bitCnt < uint(n) {
		b, err := p.ReadByte()
		if err != nil {
			return 0, err
		}
		p.bitBuf |= uint64(b) << p.bitCnt
		p.bitCnt += 8
	}
	v := uint32(p.bitBuf & (1<<uint(n) - 1))
	p.bitBuf >>= uint(n)
	p.bitCnt -= uint(n)
	p.bitsRead += int64(n)
	return v, nil
}

// ReadBit reads a single bit.
func (p *Packet) ReadBit() (bool, error) {
	v, err := p.ReadBits(1)
	return v == 1, err
}

// BitsRead is the number of bits consumed through ReadBits since the last
// Reset.
func (p *Packet) BitsRead() int64 { return p.bitsRead }
