package ogg

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/zsiec/oggdemux/internal/bufstream"
)

// ProviderStats is a snapshot of one logical stream's counters.
type ProviderStats struct {
	Serial   uint32 `json:"serial"`
	Pages    int64  `json:"pages"`
	Packets  int64  `json:"packets"`
	Bytes    int64  `json:"bytes"`
	Dropped  int64  `json:"droppedFragments"`
	Ignored  bool   `json:"ignored"`
	Finished bool   `json:"finished"`
}

// PacketProvider yields the packets of one logical stream. Each provider has
// its own lock identity on the shared reader, so providers of different
// streams may be consumed from different goroutines. A single provider and
// its packets must be used from one goroutine at a time.
type PacketProvider struct {
	c      *Container
	h      *bufstream.Handle
	serial uint32

	// Guarded by the reader lock.
	queue   []*Packet
	pending *Packet
	ended   bool

	pages   atomic.Int64
	packets atomic.Int64
	bytes   atomic.Int64
	dropped atomic.Int64
	ignored atomic.Bool
	done    atomic.Bool
}

func newPacketProvider(c *Container, serial uint32) *PacketProvider {
	return &PacketProvider{
		c:      c,
		h:      c.r.NewHandle(),
		serial: serial,
	}
}

// StreamSerial is the serial number of the logical stream.
func (pp *PacketProvider) StreamSerial() uint32 { return pp.serial }

// NextPacket returns the next packet of the stream, reading pages as needed.
// It returns io.EOF once the stream has ended and every packet was returned.
// The caller must call Done on each packet when finished with it.
func (pp *PacketProvider) NextPacket() (*Packet, error) {
	return pp.next(true)
}

// PeekPacket returns the next packet without consuming it.
func (pp *PacketProvider) PeekPacket() (*Packet, error) {
	return pp.next(false)
}

func (pp *PacketProvider) next(consume bool) (*Packet, error) {
	pp.h.Acquire()
	defer pp.h.Release()

	for {
		if len(pp.queue) > 0 {
			p := pp.queue[0]
			if consume {
				pp.queue[0] = nil
				pp.queue = pp.queue[1:]
			}
			return p, nil
		}
		if pp.ended {
			pp.done.Store(true)
			return nil, io.EOF
		}
		if _, err := pp.c.readPage(pp.h); err != nil {
			return nil, fmt.Errorf("stream %08x: %w", pp.serial, err)
		}
	}
}

// Stats returns a snapshot of the provider's counters.
func (pp *PacketProvider) Stats() ProviderStats {
	return ProviderStats{
		Serial:   pp.serial,
		Pages:    pp.pages.Load(),
		Packets:  pp.packets.Load(),
		Bytes:    pp.bytes.Load(),
		Dropped:  pp.dropped.Load(),
		Ignored:  pp.ignored.Load(),
		Finished: pp.done.Load(),
	}
}

// enqueue hands a completed packet to the consumer, or releases it at once
// when the stream is ignored.
func (pp *PacketProvider) enqueue(h *bufstream.Handle, p *Packet) error {
	pp.packets.Add(1)
	pp.bytes.Add(int64(p.Length()))
	if pp.ignored.Load() {
		return pp.c.releasePacket(h, p)
	}
	pp.queue = append(pp.queue, p)
	return nil
}

// dropPending abandons a packet whose continuation never arrived.
func (pp *PacketProvider) dropPending(h *bufstream.Handle) error {
	if pp.pending == nil {
		return nil
	}
	p := pp.pending
	pp.pending = nil
	pp.dropped.Add(1)
	pp.c.dropped.Add(1)
	return pp.c.releasePacket(h, p)
}

func (pp *PacketProvider) acquire() { pp.h.Acquire() }

func (pp *PacketProvider) release() error { return pp.h.Release() }

func (pp *PacketProvider) readByteAt(off int64) (byte, error) {
	pp.h.Acquire()
	defer pp.h.Release()

	if _, err := pp.h.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return pp.h.ReadByte()
}

func (pp *PacketProvider) packetDone(p *Packet) error {
	pp.h.Acquire()
	defer pp.h.Release()
	return pp.c.releasePacket(pp.h, p)
}
