package ogg

import "errors"

// Sentinel errors for packet and page handling. Callers distinguish failure
// modes with errors.Is.
var (
	ErrKindMismatch   = errors.New("ogg: continuation fragment of a different packet kind")
	ErrUnknownKind    = errors.New("ogg: unknown packet kind")
	ErrPacketDone     = errors.New("ogg: packet already done")
	ErrNilFragment    = errors.New("ogg: nil continuation fragment")
	ErrBitCount       = errors.New("ogg: bit count out of range")
	ErrShortHeader    = errors.New("ogg: short page header")
	ErrCapturePattern = errors.New("ogg: missing capture pattern")
	ErrVersion        = errors.New("ogg: unsupported stream structure version")
	ErrChecksum       = errors.New("ogg: page checksum mismatch")
)
