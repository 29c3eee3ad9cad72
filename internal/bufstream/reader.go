// Package bufstream provides a locked, buffered, randomly addressable reader
// over a physical byte stream that may itself be forward-only.
//
// A [Reader] owns the physical stream and a sliding [Window] of its bytes.
// Consumers obtain a [Handle] each; every read, seek and discard goes through
// a handle that currently owns the reader's reentrant lock. The virtual read
// position is shared by all handles and is only meaningful to the owner.
package bufstream

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// Reader is a thread-safe, read-only buffering wrapper around a physical
// stream. Several logical-stream consumers share one Reader and serialize
// through its lock.
type Reader struct {
	log       *slog.Logger
	src       io.Reader
	win       *Window
	lock      *ownerLock
	leaveOpen bool
	closed    atomic.Bool
	handles   atomic.Uint64

	// pos is the virtual read position, guarded by lock.
	pos int64

	cfg WindowConfig
}

// ReaderOptMinimalRead makes reads return after the first chunk that yields
// data instead of filling the request.
func ReaderOptMinimalRead(v bool) func(*Reader) {
	return func(r *Reader) {
		r.cfg.MinimalRead = v
	}
}

// ReaderOptLeaveOpen keeps the physical stream open when the Reader closes.
func ReaderOptLeaveOpen() func(*Reader) {
	return func(r *Reader) {
		r.leaveOpen = true
	}
}

// ReaderOptMaxWindow bounds the number of retained bytes.
func ReaderOptMaxWindow(n int) func(*Reader) {
	return func(r *Reader) {
		r.cfg.MaxSize = n
	}
}

// ReaderOptChunkSize sets the size of each read from the physical stream.
func ReaderOptChunkSize(n int) func(*Reader) {
	return func(r *Reader) {
		r.cfg.ChunkSize = n
	}
}

// ReaderOptLogger sets the logger. The default is slog.Default().
func ReaderOptLogger(log *slog.Logger) func(*Reader) {
	return func(r *Reader) {
		if log != nil {
			r.log = log
		}
	}
}

// NewReader wraps src. src must not be nil.
func NewReader(src io.Reader, opts ...func(*Reader)) *Reader {
	if src == nil {
		panic("bufstream: nil source stream")
	}
	r := &Reader{
		log:  slog.Default(),
		src:  src,
		lock: newOwnerLock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "bufstream")
	r.win = NewWindow(src, r.cfg)
	r.pos = r.win.BaseOffset()
	return r
}

// NewHandle returns a new lock identity on r.
func (r *Reader) NewHandle() *Handle {
	return &Handle{r: r, id: r.handles.Add(1)}
}

// Seekable reports whether the physical stream can be repositioned.
func (r *Reader) Seekable() bool { return r.win.Seekable() }

// MinimalRead reports whether reads stop at the first available chunk.
func (r *Reader) MinimalRead() bool { return r.win.MinimalRead() }

// SetMinimalRead switches between minimal and greedy reads.
func (r *Reader) SetMinimalRead(v bool) { r.win.SetMinimalRead(v) }

// Close releases the window and closes the physical stream unless the
// reader was created with ReaderOptLeaveOpen.
func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.leaveOpen {
		return nil
	}
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Handle is one caller's identity on a Reader. Lock ownership and reentrancy
// are tracked per handle; a Handle must not be shared between goroutines that
// run concurrently.
type Handle struct {
	r  *Reader
	id uint64
}

// ID identifies the handle in logs.
func (h *Handle) ID() uint64 { return h.id }

// Acquire blocks until h owns the reader lock. It is reentrant; every Acquire
// must be paired with a Release.
func (h *Handle) Acquire() {
	h.r.lock.acquire(h)
}

// Release gives up one level of ownership. It returns ErrLockViolation, and
// leaves the real owner untouched, when h does not own the lock.
func (h *Handle) Release() error {
	if err := h.r.lock.release(h); err != nil {
		return fmt.Errorf("release by handle %d: %w", h.id, err)
	}
	return nil
}

// Held reports whether h currently owns the lock.
func (h *Handle) Held() bool { return h.r.lock.holds(h) }

// Depth is h's current reentrancy depth, zero when it does not own the lock.
func (h *Handle) Depth() int { return h.r.lock.heldDepth(h) }

// Do runs fn while holding the lock.
func (h *Handle) Do(fn func() error) error {
	h.Acquire()
	err := fn()
	if rerr := h.Release(); rerr != nil {
		return rerr
	}
	return err
}

func (h *Handle) check() error {
	if h.r.closed.Load() {
		return ErrClosed
	}
	if !h.r.lock.holds(h) {
		return fmt.Errorf("handle %d: %w", h.id, ErrLockViolation)
	}
	return nil
}

// Read reads up to len(p) bytes at the virtual position and advances it by
// the number of bytes read.
func (h *Handle) Read(p []byte) (int, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	n, err := h.r.win.ReadAt(p, h.r.pos)
	h.r.pos += int64(n)
	return n, err
}

// ReadByte reads one byte at the virtual position. It returns io.EOF at the
// end of the stream without moving the position.
func (h *Handle) ReadByte() (byte, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	b, err := h.r.win.ReadByteAt(h.r.pos)
	if err != nil {
		return 0, err
	}
	h.r.pos++
	return b, nil
}

// ReadAt reads bytes at off without moving the virtual position. Unlike
// io.ReaderAt it may return fewer than len(p) bytes with a nil error when the
// reader is in minimal mode or the window is full.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return h.r.win.ReadAt(p, off)
}

// Seek sets the virtual position. The physical stream is not touched. Targets
// before the buffer base always fail; on a forward-only stream targets at or
// past the buffered end fail too. A failed seek leaves the position unchanged.
func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	r := h.r
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += r.pos
	case io.SeekEnd:
		n, err := r.win.Length()
		if err != nil {
			return r.pos, err
		}
		offset += n
	default:
		return r.pos, fmt.Errorf("bufstream: invalid whence %d", whence)
	}

	if offset < 0 {
		return r.pos, ErrNegativeOffset
	}
	if base := r.win.BaseOffset(); offset < base {
		return r.pos, fmt.Errorf("%w: %d is before buffer start %d", ErrOutOfWindow, offset, base)
	}
	if !r.win.Seekable() {
		if end := r.win.EndOffset(); offset >= end {
			return r.pos, fmt.Errorf("%w: %d is at or beyond buffer end %d", ErrOutOfWindow, offset, end)
		}
	}
	r.pos = offset
	return offset, nil
}

// Position returns the virtual read position.
func (h *Handle) Position() (int64, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return h.r.pos, nil
}

// Length returns the physical stream length when it is known.
func (h *Handle) Length() (int64, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return h.r.win.Length()
}

// BufferBaseOffset is the offset of the oldest retained byte.
func (h *Handle) BufferBaseOffset() (int64, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return h.r.win.BaseOffset(), nil
}

// BufferBytesFilled is the number of retained bytes.
func (h *Handle) BufferBytesFilled() (int, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return h.r.win.BytesFilled(), nil
}

// DiscardThrough permanently frees every buffered byte below off. Later seeks
// into the freed range fail.
func (h *Handle) DiscardThrough(off int64) error {
	if err := h.check(); err != nil {
		return err
	}
	before := h.r.win.BaseOffset()
	h.r.win.DiscardThrough(off)
	if after := h.r.win.BaseOffset(); after != before {
		h.r.log.Debug("discarded", "from", before, "to", after, "handle", h.id)
	}
	return nil
}

// Discard frees n bytes from the start of the buffer.
func (h *Handle) Discard(n int) error {
	if err := h.check(); err != nil {
		return err
	}
	return h.DiscardThrough(h.r.win.BaseOffset() + int64(n))
}

// Write always fails; the reader is read-only.
func (h *Handle) Write([]byte) (int, error) {
	return 0, fmt.Errorf("%w: write", ErrUnsupported)
}

// Truncate always fails; the stream length cannot be changed.
func (h *Handle) Truncate(int64) error {
	return fmt.Errorf("%w: set length", ErrUnsupported)
}
