package bufstream

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

const (
	// DefaultChunkSize is the size of a single read from the physical stream.
	DefaultChunkSize = 4096

	// DefaultMaxWindow bounds the number of bytes a Window retains.
	DefaultMaxWindow = 4 << 20
)

// WindowConfig configures a Window.
type WindowConfig struct {
	ChunkSize   int
	MaxSize     int
	MinimalRead bool
}

// Window is a sliding in-memory view of a physical byte stream, addressed by
// absolute offset. Bytes enter the window as the stream is read and leave it
// only through DiscardThrough. Window is not safe for concurrent use; Reader
// serializes access to it.
//
// For a seekable stream offsets are positions in that stream, and any offset
// that has not been discarded stays readable: the window is refilled from the
// stream when a read falls outside it. For a forward-only stream offsets count
// bytes from the first byte read and the window only moves forward.
type Window struct {
	r      io.Reader
	seeker io.Seeker

	buf   []byte
	head  int   // index in buf of the byte at base
	base  int64 // offset of buf[head]
	floor int64 // every offset below floor has been discarded
	skip  int64 // bytes still to drop from the stream before base

	chunk   int
	max     int
	minimal atomic.Bool
	eof     bool
	length  int64
}

// NewWindow creates a Window over r. If r implements io.Seeker and reports its
// current position, the window starts at that position and may reposition the
// stream while it holds no bytes.
func NewWindow(r io.Reader, cfg WindowConfig) *Window {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxWindow
	}
	w := &Window{
		r:      r,
		chunk:  cfg.ChunkSize,
		max:    cfg.MaxSize,
		length: -1,
	}
	w.minimal.Store(cfg.MinimalRead)
	if s, ok := r.(io.Seeker); ok {
		if pos, err := s.Seek(0, io.SeekCurrent); err == nil {
			w.seeker = s
			w.base = pos
			w.floor = pos
		}
	}
	return w
}

// Seekable reports whether the physical stream can be repositioned.
func (w *Window) Seekable() bool { return w.seeker != nil }

// MinimalRead reports whether reads stop at the first available chunk.
func (w *Window) MinimalRead() bool { return w.minimal.Load() }

// SetMinimalRead switches between minimal and greedy reads.
func (w *Window) SetMinimalRead(v bool) { w.minimal.Store(v) }

// BaseOffset is the lowest offset that has not been discarded. On a
// forward-only stream it is also the offset of the oldest retained byte.
func (w *Window) BaseOffset() int64 { return w.floor }

// BytesFilled is the number of retained bytes.
func (w *Window) BytesFilled() int { return len(w.buf) - w.head }

// EndOffset is the offset one past the newest retained byte.
func (w *Window) EndOffset() int64 { return w.base + int64(w.BytesFilled()) }

// Length returns the total length of the physical stream. It is known for
// seekable streams and for forward-only streams that have reached EOF.
func (w *Window) Length() (int64, error) {
	if w.length >= 0 {
		return w.length, nil
	}
	if w.seeker == nil {
		if w.eof {
			return w.EndOffset(), nil
		}
		return 0, fmt.Errorf("%w: length of forward-only stream", ErrUnsupported)
	}
	phys := w.EndOffset() + w.skip
	n, err := w.seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("bufstream: seek end: %w", err)
	}
	if _, err := w.seeker.Seek(phys, io.SeekStart); err != nil {
		return 0, fmt.Errorf("bufstream: restore position: %w", err)
	}
	w.length = n
	return n, nil
}

// ReadAt copies bytes starting at off into p, pulling from the physical
// stream when the window does not yet cover them. In minimal mode it returns
// as soon as any byte at off is available; otherwise it fills p completely
// unless the stream ends. It returns io.EOF only when no byte is available
// at off.
func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	if off < w.floor {
		return 0, fmt.Errorf("%w: offset %d, base %d", ErrDiscarded, off, w.floor)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.rebase(off); err != nil {
		return 0, err
	}

	var fillErr error
	end := w.EndOffset()
	want := off + int64(len(p))
	switch {
	case end >= want:
	case w.minimal.Load():
		if off >= end {
			fillErr = w.fill(off + 1)
		}
	default:
		fillErr = w.fill(want)
	}

	avail := w.EndOffset() - off
	if avail <= 0 {
		if fillErr != nil {
			return 0, fillErr
		}
		return 0, io.EOF
	}
	start := w.head + int(off-w.base)
	n := copy(p, w.buf[start:start+int(min(avail, int64(len(p))))])
	return n, nil
}

// ReadByteAt returns the byte at off, or io.EOF at the end of the stream.
func (w *Window) ReadByteAt(off int64) (byte, error) {
	var b [1]byte
	n, err := w.ReadAt(b[:], off)
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	return b[0], nil
}

// DiscardThrough permanently frees every byte below off. Offsets at or below
// the current base are a no-op. Offsets past the filled end drop the
// intervening bytes as the stream delivers them.
func (w *Window) DiscardThrough(off int64) {
	if off <= w.floor {
		return
	}
	w.floor = off
	if off <= w.base {
		return
	}
	end := w.EndOffset()
	if off <= end {
		w.head += int(off - w.base)
		w.base = off
		return
	}
	w.head = len(w.buf)
	w.base = off
	if w.seeker != nil {
		if _, err := w.seeker.Seek(off, io.SeekStart); err == nil {
			w.skip = 0
			return
		}
	}
	w.skip += off - end
}

// rebase repositions a seekable stream so the window starts at off. It
// applies to reads below the retained bytes, which were never discarded, and
// to reads ahead of an empty window. The floor is left untouched.
func (w *Window) rebase(off int64) error {
	if w.seeker == nil {
		return nil
	}
	behind := off < w.base
	ahead := off > w.base && w.BytesFilled() == 0
	if !behind && !ahead {
		return nil
	}
	if _, err := w.seeker.Seek(off, io.SeekStart); err != nil {
		return fmt.Errorf("bufstream: seek %d: %w", off, err)
	}
	w.buf = w.buf[:0]
	w.head = 0
	w.base = off
	w.skip = 0
	w.eof = false
	return nil
}

// fill reads from the physical stream until the window ends at or after
// target, the stream ends, or the window reaches its maximum size.
func (w *Window) fill(target int64) error {
	for w.EndOffset() < target {
		if w.eof {
			return nil
		}
		if w.BytesFilled() >= w.max {
			return ErrWindowFull
		}
		w.compact()

		n := min(w.chunk, w.max-w.BytesFilled())
		if cap(w.buf)-len(w.buf) < n {
			grown := make([]byte, len(w.buf), len(w.buf)+max(n, len(w.buf)))
			copy(grown, w.buf)
			w.buf = grown
		}
		m, err := w.r.Read(w.buf[len(w.buf) : len(w.buf)+n])
		w.accept(m)
		if err != nil {
			if errors.Is(err, io.EOF) {
				w.eof = true
				return nil
			}
			return fmt.Errorf("bufstream: read: %w", err)
		}
	}
	return nil
}

// accept appends m freshly read bytes, dropping any still owed to a discard
// past the previous end.
func (w *Window) accept(m int) {
	if m <= 0 {
		return
	}
	tail := w.buf[len(w.buf) : len(w.buf)+m]
	if w.skip > 0 {
		d := int(min(int64(m), w.skip))
		w.skip -= int64(d)
		copy(tail, tail[d:])
		m -= d
	}
	w.buf = w.buf[:len(w.buf)+m]
}

// compact reclaims the discarded prefix once it dominates the buffer.
func (w *Window) compact() {
	if w.head == 0 || w.head < len(w.buf)/2 {
		return
	}
	n := copy(w.buf, w.buf[w.head:])
	w.buf = w.buf[:n]
	w.head = 0
}
