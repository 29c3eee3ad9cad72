package ogg

import (
	"fmt"
	"io"
)

// Kind tags the container format a Packet belongs to. Only fragments of the
// same kind may be merged.
type Kind uint8

// Packet kinds.
const (
	KindOgg Kind = iota + 1
)

func (k Kind) String() string {
	switch k {
	case KindOgg:
		return "ogg"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) valid() bool { return k == KindOgg }

// packetSource is the byte source and completion sink of a packet. The
// provider that owns the packet's logical stream implements it.
type packetSource interface {
	acquire()
	release() error
	readByteAt(off int64) (byte, error)
	packetDone(p *Packet) error
}

// Packet is one logical packet of a logical stream. A packet that spans
// several pages is a chain of fragments owned by its head; reads cross
// fragment boundaries transparently. Bytes are read in place from the
// shared buffer and stay buffered until Done is called.
//
// A Packet is used by one goroutine at a time.
type Packet struct {
	src    packetSource
	kind   Kind
	offset int64
	length int
	cursor int
	next   *Packet

	// total is the chain length, valid on the head.
	total int

	continued    bool
	continuation bool
	eos          bool
	pageSeq      uint32
	granule      int64
	done         bool

	bitBuf   uint64
	bitCnt   uint
	bitsRead int64
}

func newPacket(src packetSource, kind Kind, offset int64, length int) (*Packet, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %v", ErrUnknownKind, kind)
	}
	return &Packet{
		src:    src,
		kind:   kind,
		offset: offset,
		length: length,
		total:  length,
	}, nil
}

// Kind returns the packet's container kind.
func (p *Packet) Kind() Kind { return p.kind }

// Offset is the buffer offset of the packet's first byte.
func (p *Packet) Offset() int64 { return p.offset }

// Length is the total number of bytes across all fragments.
func (p *Packet) Length() int { return p.total }

// Fragments is the number of page fragments in the chain.
func (p *Packet) Fragments() int {
	n := 0
	for f := p; f != nil; f = f.next {
		n++
	}
	return n
}

// IsContinued reports whether the packet's first fragment continues onto a
// later page.
func (p *Packet) IsContinued() bool { return p.continued }

// IsContinuation reports whether the packet begins with the tail of a packet
// started on an earlier page.
func (p *Packet) IsContinuation() bool { return p.continuation }

// IsEndOfStream reports whether this is the last packet of its stream.
func (p *Packet) IsEndOfStream() bool { return p.eos }

// PageSequence is the sequence number of the page holding the final byte.
func (p *Packet) PageSequence() uint32 { return p.pageSeq }

// GranulePosition is the granule position of the page holding the final
// byte.
func (p *Packet) GranulePosition() int64 { return p.granule }

// IsDone reports whether Done has been called.
func (p *Packet) IsDone() bool { return p.done }

// MergeWith appends a continuation fragment to the end of the chain. The
// chain's length grows by the fragment's length and its page metadata
// becomes the fragment's. On error the chain is unchanged.
func (p *Packet) MergeWith(frag *Packet) error {
	if frag == nil {
		return ErrNilFragment
	}
	if frag.kind != p.kind {
		return fmt.Errorf("%w: %v into %v", ErrKindMismatch, frag.kind, p.kind)
	}
	if p.done || frag.done {
		return ErrPacketDone
	}
	p.merge(frag)
	return nil
}

func (p *Packet) merge(frag *Packet) {
	p.total += frag.total
	p.pageSeq = frag.pageSeq
	p.granule = frag.granule
	if p.next == nil {
		p.next = frag
		return
	}
	p.next.merge(frag)
}

// Reset rewinds every fragment to its first byte and clears the bit reader.
func (p *Packet) Reset() {
	for f := p; f != nil; f = f.next {
		f.cursor = 0
	}
	p.bitBuf = 0
	p.bitCnt = 0
	p.bitsRead = 0
}

// ReadByte returns the next byte of the chain, or io.EOF after the last
// fragment.
func (p *Packet) ReadByte() (byte, error) {
	if p.done {
		return 0, ErrPacketDone
	}
	f := p
	for f.cursor >= f.length {
		if f.next == nil {
			return 0, io.EOF
		}
		f = f.next
	}
	b, err := p.src.readByteAt(f.offset + int64(f.cursor))
	if err != nil {
		return 0, err
	}
	f.cursor++
	return b, nil
}

// Read implements io.Reader over the chain. The shared lock is held once for
// the whole batch.
func (p *Packet) Read(b []byte) (int, error) {
	if p.done {
		return 0, ErrPacketDone
	}
	if len(b) == 0 {
		return 0, nil
	}
	p.src.acquire()
	defer p.src.release()

	n := 0
	for n < len(b) {
		c, err := p.ReadByte()
		if err != nil {
			if n > 0 && err == io.EOF {
				return n, nil
			}
			return n, err
		}
		b[n] = c
		n++
	}
	return n, nil
}

// Done marks the packet consumed and releases its buffered bytes. It must be
// called exactly once per packet.
func (p *Packet) Done() error {
	if p.done {
		return ErrPacketDone
	}
	return p.src.packetDone(p)
}

// release issues one discard per fragment, head to tail, at each fragment's
// end offset, then marks the chain done. A failed discard leaves the chain
// live so the release can be retried.
func (p *Packet) release(discard func(off int64) error) error {
	if p.done {
		return ErrPacketDone
	}
	for f := p; f != nil; f = f.next {
		if err := discard(f.offset + int64(f.length)); err != nil {
			return err
		}
	}
	for f := p; f != nil; f = f.next {
		f.done = true
	}
	return nil
}
