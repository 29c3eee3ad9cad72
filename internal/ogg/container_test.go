package ogg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/zsiec/oggdemux/internal/bufstream"
)

// threePages holds A on page 1, B across pages 1-3 and C on page 3.
func threePages() (stream, a, b, c []byte) {
	a = payload('A', 10)
	b = payload('B', 255+510+20)
	c = payload('C', 5)
	p1 := encodePage(FlagBOS, 7, 0, 1000, append(laced(10), open(255)...), concat(a, b[:255]))
	p2 := encodePage(FlagContinued, 7, 1, -1, open(510), b[255:765])
	p3 := encodePage(FlagContinued|FlagEOS, 7, 2, 3000, laced(20, 5), concat(b[765:], c))
	return concat(p1, p2, p3), a, b, c
}

func readPacket(t *testing.T, pp *PacketProvider) (*Packet, []byte) {
	t.Helper()
	p, err := pp.NextPacket()
	if err != nil {
		t.Fatalf("NextPacket: %v", err)
	}
	data, err := io.ReadAll(p)
	if err != nil {
		t.Fatalf("read packet: %v", err)
	}
	return p, data
}

func firstStream(t *testing.T, c *Container) *PacketProvider {
	t.Helper()
	ok, err := c.FindNextStream()
	if err != nil || !ok {
		t.Fatalf("FindNextStream = %v, %v", ok, err)
	}
	return c.Streams()[0]
}

func TestContainerReassemblesMultiPagePacket(t *testing.T) {
	t.Parallel()
	for _, seekable := range []bool{true, false} {
		t.Run(fmt.Sprintf("seekable=%v", seekable), func(t *testing.T) {
			t.Parallel()
			stream, a, b, c := threePages()
			var src io.Reader = bytes.NewReader(stream)
			if !seekable {
				src = &forwardOnly{r: bytes.NewReader(stream)}
			}
			r := bufstream.NewReader(src, bufstream.ReaderOptChunkSize(64))
			ct := NewContainer(r)
			pp := firstStream(t, ct)
			if pp.StreamSerial() != 7 {
				t.Fatalf("serial = %d, want 7", pp.StreamSerial())
			}

			pa, got := readPacket(t, pp)
			if !bytes.Equal(got, a) {
				t.Errorf("packet A = %x, want %x", got, a)
			}
			if pa.PageSequence() != 0 || pa.GranulePosition() != 1000 {
				t.Errorf("A metadata = %d/%d", pa.PageSequence(), pa.GranulePosition())
			}

			pb, got := readPacket(t, pp)
			if !bytes.Equal(got, b) {
				t.Errorf("packet B mismatch: %d bytes, want %d", len(got), len(b))
			}
			if pb.Length() != len(b) || pb.Fragments() != 3 {
				t.Errorf("B length %d fragments %d", pb.Length(), pb.Fragments())
			}
			if pb.PageSequence() != 2 || pb.GranulePosition() != 3000 {
				t.Errorf("B metadata = %d/%d, want 2/3000", pb.PageSequence(), pb.GranulePosition())
			}
			if !pb.IsContinued() || pb.IsContinuation() {
				t.Errorf("B flags continued=%v continuation=%v", pb.IsContinued(), pb.IsContinuation())
			}

			pc, got := readPacket(t, pp)
			if !bytes.Equal(got, c) {
				t.Errorf("packet C = %x, want %x", got, c)
			}
			if !pc.IsEndOfStream() {
				t.Error("C not flagged end of stream")
			}
			if _, err := pp.NextPacket(); err != io.EOF {
				t.Errorf("NextPacket after end = %v, want io.EOF", err)
			}

			for _, p := range []*Packet{pa, pb, pc} {
				if err := p.Done(); err != nil {
					t.Fatalf("Done: %v", err)
				}
			}
			h := r.NewHandle()
			h.Acquire()
			base, _ := h.BufferBaseOffset()
			_ = h.Release()
			if base != int64(len(stream)) {
				t.Errorf("buffer base = %d, want %d", base, len(stream))
			}
			if st := ct.Stats(); st.Pages != 3 || st.Packets != 3 || st.Streams != 1 {
				t.Errorf("stats = %+v", st)
			}
			if st := pp.Stats(); !st.Finished || st.Packets != 3 {
				t.Errorf("provider stats = %+v", st)
			}
		})
	}
}

func TestContainerResyncsAfterDamage(t *testing.T) {
	t.Parallel()
	first := payload('1', 40)
	third := payload('3', 30)
	p1 := encodePage(FlagBOS, 1, 0, 10, laced(40), first)
	p2 := encodePage(0, 1, 1, 20, laced(50), payload('2', 50))
	p2[len(p2)-1] ^= 0xff
	p3 := encodePage(FlagEOS, 1, 2, 30, laced(30), third)
	junk := []byte("junk!")

	ct := NewContainer(bufstream.NewReader(bytes.NewReader(concat(junk, p1, p2, p3))))
	pp := firstStream(t, ct)

	p, got := readPacket(t, pp)
	if !bytes.Equal(got, first) {
		t.Errorf("first packet = %x", got)
	}
	_ = p.Done()
	p, got = readPacket(t, pp)
	if !bytes.Equal(got, third) {
		t.Errorf("second packet = %x, want the third page's", got)
	}
	_ = p.Done()
	if _, err := pp.NextPacket(); err != io.EOF {
		t.Errorf("NextPacket = %v, want io.EOF", err)
	}

	st := ct.Stats()
	if st.CRCErrors != 1 {
		t.Errorf("CRCErrors = %d, want 1", st.CRCErrors)
	}
	if want := int64(len(junk) + len(p2)); st.ResyncBytes != want {
		t.Errorf("ResyncBytes = %d, want %d", st.ResyncBytes, want)
	}
}

func TestContainerDropsInterruptedPacket(t *testing.T) {
	t.Parallel()
	whole := payload('w', 12)
	p1 := encodePage(FlagBOS, 3, 0, 0, open(255), payload('x', 255))
	p2 := encodePage(FlagEOS, 3, 1, 5, laced(12), whole)

	ct := NewContainer(bufstream.NewReader(bytes.NewReader(concat(p1, p2))))
	pp := firstStream(t, ct)
	p, got := readPacket(t, pp)
	if !bytes.Equal(got, whole) {
		t.Errorf("packet = %x, want %x", got, whole)
	}
	_ = p.Done()
	if st := ct.Stats(); st.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", st.Dropped)
	}
}

func TestContainerClampsDiscardToSiblingStream(t *testing.T) {
	t.Parallel()
	x, y, z := payload('x', 10), payload('y', 10), payload('z', 10)
	stream := concat(
		encodePage(FlagBOS, 1, 0, 0, laced(10), x),
		encodePage(FlagBOS, 2, 0, 0, laced(10), y),
		encodePage(0, 1, 1, 1, laced(10), z),
	)
	r := bufstream.NewReader(&forwardOnly{r: bytes.NewReader(stream)})
	ct := NewContainer(r)
	pp1 := firstStream(t, ct)

	px, _ := readPacket(t, pp1)
	pz, _ := readPacket(t, pp1)
	streams := ct.Streams()
	if len(streams) != 2 {
		t.Fatalf("streams = %d, want 2", len(streams))
	}
	pp2 := streams[1]

	h := r.NewHandle()
	base := func() int64 {
		h.Acquire()
		defer h.Release()
		b, _ := h.BufferBaseOffset()
		return b
	}

	_ = px.Done()
	_ = pz.Done()

	py, got := readPacket(t, pp2)
	if !bytes.Equal(got, y) {
		t.Fatalf("sibling packet = %x, want %x", got, y)
	}
	if b := base(); b != py.Offset() {
		t.Errorf("base = %d, want sibling start %d", b, py.Offset())
	}
	_ = py.Done()
	if b, want := base(), py.Offset()+int64(py.Length()); b != want {
		t.Errorf("base after sibling done = %d, want %d", b, want)
	}
}

func TestContainerIgnoreStream(t *testing.T) {
	t.Parallel()
	stream := concat(
		encodePage(FlagBOS, 1, 0, 0, laced(8), payload('a', 8)),
		encodePage(FlagBOS, 2, 0, 0, laced(8, 8), payload('b', 16)),
		encodePage(FlagEOS, 1, 1, 0, laced(8), payload('c', 8)),
		encodePage(FlagEOS, 2, 1, 0, laced(8), payload('d', 8)),
	)
	var seen []uint32
	ct := NewContainer(bufstream.NewReader(bytes.NewReader(stream)),
		ContainerOptNewStream(func(ev *NewStreamEvent) {
			seen = append(seen, ev.PacketProvider().StreamSerial())
			ev.IgnoreStream = ev.PacketProvider().StreamSerial() == 2
		}))
	pp := firstStream(t, ct)

	n := 0
	for {
		p, err := pp.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPacket: %v", err)
		}
		_ = p.Done()
		n++
	}
	if n != 2 {
		t.Errorf("stream 1 packets = %d, want 2", n)
	}

	ignored := ct.Streams()[1]
	// stream 2 ends with the page after stream 1's last one
	if _, err := ignored.NextPacket(); err != io.EOF {
		t.Errorf("ignored NextPacket = %v, want io.EOF", err)
	}
	if st := ignored.Stats(); !st.Ignored || st.Packets != 3 {
		t.Errorf("ignored stats = %+v", st)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("events = %v", seen)
	}
}

func TestContainerEmptyAndTruncatedInput(t *testing.T) {
	t.Parallel()
	ct := NewContainer(bufstream.NewReader(bytes.NewReader(nil)))
	ok, err := ct.FindNextStream()
	if ok || err != nil {
		t.Errorf("empty: FindNextStream = %v, %v", ok, err)
	}

	page := encodePage(FlagBOS, 9, 0, 0, laced(5, 40), payload('t', 45))
	ct = NewContainer(bufstream.NewReader(bytes.NewReader(page[:len(page)-10])))
	ok, err = ct.FindNextStream()
	if ok || err != nil {
		t.Errorf("truncated: FindNextStream = %v, %v", ok, err)
	}
}

func TestContainerOnClosedReader(t *testing.T) {
	t.Parallel()
	page := encodePage(FlagBOS, 9, 0, 0, laced(5), payload('c', 5))
	r := bufstream.NewReader(bytes.NewReader(page))
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	ok, err := NewContainer(r).FindNextStream()
	if ok || !errors.Is(err, bufstream.ErrClosed) {
		t.Errorf("FindNextStream = %v, %v; want ErrClosed", ok, err)
	}
}

func TestContainerWindowFull(t *testing.T) {
	t.Parallel()
	page := encodePage(FlagBOS, 9, 0, 0, laced(3000), payload('w', 3000))
	r := bufstream.NewReader(bytes.NewReader(page), bufstream.ReaderOptMaxWindow(1024), bufstream.ReaderOptChunkSize(256))
	_, err := NewContainer(r).FindNextStream()
	if !errors.Is(err, bufstream.ErrWindowFull) {
		t.Errorf("err = %v, want ErrWindowFull", err)
	}
}

func TestContainerConcurrentStreams(t *testing.T) {
	t.Parallel()
	const perStream = 40
	var pages [][]byte
	for i := 0; i < perStream; i++ {
		for s := uint32(1); s <= 2; s++ {
			var flags PageFlags
			if i == 0 {
				flags |= FlagBOS
			}
			if i == perStream-1 {
				flags |= FlagEOS
			}
			n := 100 + i*13
			pages = append(pages, encodePage(flags, s, uint32(i), int64(i), laced(n), payload(byte(s*16+uint32(i%7)), n)))
		}
	}
	r := bufstream.NewReader(&forwardOnly{r: bytes.NewReader(concat(pages...))},
		bufstream.ReaderOptMinimalRead(true),
		bufstream.ReaderOptChunkSize(100))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	consume := func(pp *PacketProvider) {
		defer wg.Done()
		s := pp.StreamSerial()
		for i := 0; ; i++ {
			p, err := pp.NextPacket()
			if err == io.EOF {
				if i != perStream {
					errs <- fmt.Errorf("stream %d: %d packets", s, i)
				}
				return
			}
			if err != nil {
				errs <- err
				return
			}
			data, err := io.ReadAll(p)
			if err != nil {
				errs <- err
				return
			}
			if want := payload(byte(s*16+uint32(i%7)), 100+i*13); !bytes.Equal(data, want) {
				errs <- fmt.Errorf("stream %d packet %d mismatch", s, i)
				return
			}
			if err := p.Done(); err != nil {
				errs <- err
				return
			}
		}
	}

	ct := NewContainer(r, ContainerOptNewStream(func(ev *NewStreamEvent) {
		wg.Add(1)
		go consume(ev.PacketProvider())
	}))
	if ok, err := ct.FindNextStream(); !ok || err != nil {
		t.Fatalf("FindNextStream = %v, %v", ok, err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if st := ct.Stats(); st.Streams != 2 || st.Packets != 2*perStream {
		t.Errorf("stats = %+v", st)
	}
}

func TestContainerRestartsEndedSerial(t *testing.T) {
	t.Parallel()
	first, second := payload('f', 9), payload('s', 7)
	stream := concat(
		encodePage(FlagBOS|FlagEOS, 5, 0, 1, laced(9), first),
		encodePage(FlagBOS|FlagEOS, 5, 0, 1, laced(7), second),
	)
	var events int
	ct := NewContainer(bufstream.NewReader(bytes.NewReader(stream)),
		ContainerOptNewStream(func(*NewStreamEvent) { events++ }))

	pp1 := firstStream(t, ct)
	p, got := readPacket(t, pp1)
	if !bytes.Equal(got, first) || !p.IsEndOfStream() {
		t.Errorf("first run packet = %x eos=%v", got, p.IsEndOfStream())
	}
	_ = p.Done()
	if _, err := pp1.NextPacket(); err != io.EOF {
		t.Fatalf("first run NextPacket = %v, want io.EOF", err)
	}

	ok, err := ct.FindNextStream()
	if err != nil || !ok {
		t.Fatalf("FindNextStream = %v, %v", ok, err)
	}
	streams := ct.Streams()
	if len(streams) != 2 || events != 2 {
		t.Fatalf("streams = %d, events = %d, want 2 and 2", len(streams), events)
	}
	pp2 := streams[1]
	if pp2 == pp1 || pp2.StreamSerial() != 5 {
		t.Fatalf("restart did not create a new provider for serial 5")
	}
	p, got = readPacket(t, pp2)
	if !bytes.Equal(got, second) {
		t.Errorf("second run packet = %x, want %x", got, second)
	}
	_ = p.Done()
}
