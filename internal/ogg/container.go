// Package ogg demultiplexes Ogg physical streams into the packets of their
// logical streams.
//
// A [Container] parses pages from a shared [bufstream.Reader] and hands the
// packets of each logical stream to that stream's [PacketProvider]. Packets
// are read in place from the reader's window; their bytes are released when
// the consumer calls [Packet.Done].
package ogg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/oggdemux/internal/bufstream"
)

const resyncChunk = 4096

// ContainerStats is a snapshot of a container's counters.
type ContainerStats struct {
	Pages       int64 `json:"pages"`
	Packets     int64 `json:"packets"`
	Bytes       int64 `json:"bytes"`
	CRCErrors   int64 `json:"crcErrors"`
	ResyncBytes int64 `json:"resyncBytes"`
	Dropped     int64 `json:"droppedFragments"`
	Streams     int   `json:"streams"`
}

// Container reads pages from a bufstream.Reader and routes their packets to
// per-stream providers. Page parsing is driven by whichever caller needs more
// data: FindNextStream or a provider's NextPacket. All parsing state is
// mutated only while some handle owns the reader lock.
type Container struct {
	log   *slog.Logger
	r     *bufstream.Reader
	h     *bufstream.Handle
	onNew func(*NewStreamEvent)

	// Guarded by the reader lock.
	nextPage int64
	eof      bool
	live     map[*Packet]struct{}

	// initErr is the error reading the start offset, reported by every
	// page read.
	initErr error

	mu        sync.Mutex
	providers map[uint32]*PacketProvider
	order     []*PacketProvider

	pages       atomic.Int64
	packets     atomic.Int64
	bytes       atomic.Int64
	crcErrors   atomic.Int64
	resyncBytes atomic.Int64
	dropped     atomic.Int64
}

// ContainerOptLogger sets the logger. The default is slog.Default().
func ContainerOptLogger(log *slog.Logger) func(*Container) {
	return func(c *Container) {
		if log != nil {
			c.log = log
		}
	}
}

// ContainerOptNewStream registers the listener called for every logical
// stream the first time one of its pages is read.
func ContainerOptNewStream(fn func(*NewStreamEvent)) func(*Container) {
	return func(c *Container) {
		c.onNew = fn
	}
}

// NewContainer creates a Container reading from r. Parsing starts at the
// reader's current buffer base.
func NewContainer(r *bufstream.Reader, opts ...func(*Container)) *Container {
	c := &Container{
		log:       slog.Default(),
		r:         r,
		h:         r.NewHandle(),
		live:      make(map[*Packet]struct{}),
		providers: make(map[uint32]*PacketProvider),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "ogg")

	c.initErr = c.h.Do(func() error {
		var err error
		c.nextPage, err = c.h.BufferBaseOffset()
		return err
	})
	if c.initErr != nil {
		c.log.Warn("reader unusable", "error", c.initErr)
	}
	return c
}

// FindNextStream reads pages until a new logical stream appears. It returns
// false when the physical stream ends first.
func (c *Container) FindNextStream() (bool, error) {
	c.h.Acquire()
	defer c.h.Release()

	n := c.streamCount()
	for c.streamCount() == n {
		ok, err := c.readPage(c.h)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Streams returns the providers discovered so far, in discovery order.
func (c *Container) Streams() []*PacketProvider {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*PacketProvider, len(c.order))
	copy(out, c.order)
	return out
}

// Stats returns a snapshot of the container's counters.
func (c *Container) Stats() ContainerStats {
	return ContainerStats{
		Pages:       c.pages.Load(),
		Packets:     c.packets.Load(),
		Bytes:       c.bytes.Load(),
		CRCErrors:   c.crcErrors.Load(),
		ResyncBytes: c.resyncBytes.Load(),
		Dropped:     c.dropped.Load(),
		Streams:     c.streamCount(),
	}
}

func (c *Container) streamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// readPage parses and routes the next page. It returns false once the
// physical stream has ended. h must own the reader lock.
func (c *Container) readPage(h *bufstream.Handle) (bool, error) {
	if c.initErr != nil {
		return false, fmt.Errorf("ogg: container start: %w", c.initErr)
	}
	if c.eof {
		return false, nil
	}
	start := c.nextPage

	var fixed [headerSize]byte
	n, err := readFullAt(h, fixed[:], start)
	if err != nil {
		if errors.Is(err, io.EOF) {
			if n > 0 {
				c.log.Warn("truncated page header", "offset", start, "bytes", n)
			}
			return false, c.finish(h)
		}
		return false, err
	}
	hdr, err := parseFixedHeader(fixed[:], start)
	if err != nil {
		c.log.Warn("lost page sync", "error", err)
		return c.resync(h, start)
	}

	raw := make([]byte, headerSize+int(fixed[headerSize-1]))
	copy(raw, fixed[:])
	if _, err := readFullAt(h, raw[headerSize:], start+headerSize); err != nil {
		return c.truncated(h, start, err)
	}
	hdr.Lacing = raw[headerSize:]

	body := make([]byte, hdr.BodyLen())
	if _, err := readFullAt(h, body, start+int64(len(raw))); err != nil {
		return c.truncated(h, start, err)
	}
	if sum := pageCRC(raw, body); sum != hdr.Checksum {
		c.crcErrors.Add(1)
		c.log.Warn("page checksum mismatch",
			"offset", start,
			"serial", fmt.Sprintf("%08x", hdr.Serial),
			"want", fmt.Sprintf("%08x", hdr.Checksum),
			"got", fmt.Sprintf("%08x", sum))
		return c.resync(h, start)
	}

	c.nextPage = start + int64(hdr.Len())
	c.pages.Add(1)
	c.bytes.Add(int64(hdr.Len()))
	c.log.Debug("page",
		"offset", start,
		"serial", fmt.Sprintf("%08x", hdr.Serial),
		"seq", hdr.Sequence,
		"granule", hdr.GranulePosition,
		"flags", uint8(hdr.Flags),
		"segments", len(hdr.Lacing))

	if err := c.route(h, hdr); err != nil {
		return false, err
	}
	return true, c.discardThrough(h, c.nextPage)
}

func (c *Container) truncated(h *bufstream.Handle, start int64, err error) (bool, error) {
	if !errors.Is(err, io.EOF) {
		return false, err
	}
	c.log.Warn("truncated page", "offset", start)
	return false, c.finish(h)
}

// resync scans forward from one byte past from for the next capture
// pattern, releasing the skipped bytes as it goes.
func (c *Container) resync(h *bufstream.Handle, from int64) (bool, error) {
	pattern := []byte(capturePattern)
	buf := make([]byte, resyncChunk)
	off := from + 1
	for {
		n, err := readFullAt(h, buf, off)
		if i := bytes.Index(buf[:n], pattern); i >= 0 {
			c.skipTo(off + int64(i))
			c.log.Info("page sync recovered", "offset", c.nextPage, "skipped", c.nextPage-from)
			return true, c.discardThrough(h, c.nextPage)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.skipTo(off + int64(n))
				return false, c.finish(h)
			}
			return false, err
		}
		// Keep a tail that may hold the start of a split pattern.
		c.skipTo(off + int64(n-len(pattern)+1))
		off = c.nextPage
		if err := c.discardThrough(h, off); err != nil {
			return false, err
		}
	}
}

func (c *Container) skipTo(off int64) {
	if off > c.nextPage {
		c.resyncBytes.Add(off - c.nextPage)
		c.nextPage = off
	}
}

// route turns the spans of a verified page into packets of its stream.
func (c *Container) route(h *bufstream.Handle, hdr PageHeader) error {
	pp := c.provider(hdr)
	pp.pages.Add(1)
	if pp.ended {
		c.log.Warn("page after end of stream", "serial", fmt.Sprintf("%08x", hdr.Serial), "seq", hdr.Sequence)
		return nil
	}

	body := hdr.Offset + int64(hdr.HeaderLen())
	var last *Packet
	for i, s := range spans(hdr.Lacing) {
		p, err := newPacket(pp, KindOgg, body+int64(s.offset), s.length)
		if err != nil {
			return err
		}
		p.pageSeq = hdr.Sequence
		p.granule = hdr.GranulePosition
		p.continued = s.continued

		if i == 0 && hdr.Flags.Continued() {
			p.continuation = true
			head := pp.pending
			if head == nil {
				pp.dropped.Add(1)
				c.dropped.Add(1)
				c.log.Debug("continuation without a packet start", "serial", fmt.Sprintf("%08x", hdr.Serial), "seq", hdr.Sequence)
				continue
			}
			if err := head.MergeWith(p); err != nil {
				return err
			}
			if s.continued {
				continue
			}
			pp.pending = nil
			if err := c.complete(h, pp, head); err != nil {
				return err
			}
			last = head
			continue
		}

		if pp.pending != nil {
			c.log.Warn("packet interrupted by a new page", "serial", fmt.Sprintf("%08x", hdr.Serial), "seq", hdr.Sequence)
			if err := pp.dropPending(h); err != nil {
				return err
			}
		}
		c.live[p] = struct{}{}
		if s.continued {
			pp.pending = p
			continue
		}
		if err := c.complete(h, pp, p); err != nil {
			return err
		}
		last = p
	}

	if hdr.Flags.EOS() {
		switch {
		case last != nil:
			last.eos = true
		case len(pp.queue) > 0:
			pp.queue[len(pp.queue)-1].eos = true
		}
		if err := pp.dropPending(h); err != nil {
			return err
		}
		pp.ended = true
		c.log.Info("stream ended", "serial", fmt.Sprintf("%08x", hdr.Serial), "packets", pp.packets.Load())
	}
	return nil
}

func (c *Container) complete(h *bufstream.Handle, pp *PacketProvider, p *Packet) error {
	c.packets.Add(1)
	return pp.enqueue(h, p)
}

// provider returns the provider for the page's stream, creating it and
// notifying the listener the first time the serial is seen. A BOS page for a
// serial whose stream has ended starts a new provider.
func (c *Container) provider(hdr PageHeader) *PacketProvider {
	c.mu.Lock()
	pp, ok := c.providers[hdr.Serial]
	restarted := ok && pp.ended && hdr.Flags.BOS()
	if !ok || restarted {
		pp = newPacketProvider(c, hdr.Serial)
		c.providers[hdr.Serial] = pp
		c.order = append(c.order, pp)
	}
	c.mu.Unlock()
	if ok && !restarted {
		return pp
	}
	if restarted {
		c.log.Info("stream restarted", "serial", fmt.Sprintf("%08x", hdr.Serial))
	}

	if !hdr.Flags.BOS() {
		c.log.Warn("stream starts without BOS page", "serial", fmt.Sprintf("%08x", hdr.Serial))
	}
	ev := &NewStreamEvent{provider: pp}
	if c.onNew != nil {
		c.onNew(ev)
	}
	pp.ignored.Store(ev.IgnoreStream)
	c.log.Info("new stream", "serial", fmt.Sprintf("%08x", hdr.Serial), "ignored", ev.IgnoreStream)
	return pp
}

// finish ends every stream once the physical stream is exhausted.
func (c *Container) finish(h *bufstream.Handle) error {
	if c.eof {
		return nil
	}
	c.eof = true
	for _, pp := range c.Streams() {
		if err := pp.dropPending(h); err != nil {
			return err
		}
		pp.ended = true
	}
	c.log.Info("end of physical stream", "pages", c.pages.Load(), "streams", c.streamCount())
	return nil
}

// releasePacket completes p and releases its bytes. Internal drops must use
// this with the current handle rather than Packet.Done, which would acquire
// the provider's own handle.
func (c *Container) releasePacket(h *bufstream.Handle, p *Packet) error {
	if p.done {
		return ErrPacketDone
	}
	_, live := c.live[p]
	delete(c.live, p)
	err := p.release(func(off int64) error {
		return c.discardThrough(h, off)
	})
	if err != nil && live {
		c.live[p] = struct{}{}
	}
	return err
}

// discardThrough frees buffered bytes below off, never past the next
// unparsed page or the start of a packet that is still live.
func (c *Container) discardThrough(h *bufstream.Handle, off int64) error {
	off = min(off, c.nextPage)
	if low, ok := c.lowestLive(); ok {
		off = min(off, low)
	}
	return h.DiscardThrough(off)
}

func (c *Container) lowestLive() (int64, bool) {
	var low int64
	found := false
	for p := range c.live {
		if !found || p.offset < low {
			low = p.offset
			found = true
		}
	}
	return low, found
}

// readFullAt reads len(p) bytes at off. It returns io.EOF, with the count of
// bytes read, when the stream ends first.
func readFullAt(h *bufstream.Handle, p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		m, err := h.ReadAt(p[n:], off+int64(n))
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.EOF
		}
	}
	return n, nil
}
