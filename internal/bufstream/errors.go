package bufstream

import "errors"

// Sentinel errors returned by Window, Reader and Handle. Callers distinguish
// failure modes with errors.Is.
var (
	// ErrLockViolation reports a read, seek, discard or release attempted
	// through a handle that does not own the reader lock.
	ErrLockViolation = errors.New("bufstream: lock not held by caller")

	// ErrOutOfWindow reports a seek outside the retained buffer window.
	ErrOutOfWindow = errors.New("bufstream: offset outside buffer window")

	// ErrDiscarded reports a read of bytes that have already been discarded.
	ErrDiscarded = errors.New("bufstream: offset already discarded")

	// ErrWindowFull reports that filling the window would exceed its
	// configured maximum. Discard some bytes.
	ErrWindowFull = errors.New("bufstream: buffer window full")

	// ErrUnsupported reports a write or length mutation on the read-only reader.
	ErrUnsupported = errors.New("bufstream: operation not supported")

	// ErrNegativeOffset reports a seek or read at a negative offset.
	ErrNegativeOffset = errors.New("bufstream: negative offset")

	// ErrClosed reports use of a reader after Close.
	ErrClosed = errors.New("bufstream: reader closed")
)
