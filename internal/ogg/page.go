package ogg

import (
	"encoding/binary"
	"fmt"
)

const (
	capturePattern = "OggS"
	headerSize     = 27
	checksumOffset = 22
	maxLacing      = 255
)

// PageFlags is the header-type byte of a page.
type PageFlags uint8

// Header-type flags.
const (
	FlagContinued PageFlags = 0x01
	FlagBOS       PageFlags = 0x02
	FlagEOS       PageFlags = 0x04
)

// Continued reports whether the page starts with the tail of a packet begun
// on an earlier page.
func (f PageFlags) Continued() bool { return f&FlagContinued != 0 }

// BOS reports whether the page begins a logical stream.
func (f PageFlags) BOS() bool { return f&FlagBOS != 0 }

// EOS reports whether the page ends a logical stream.
func (f PageFlags) EOS() bool { return f&FlagEOS != 0 }

// PageHeader is a parsed page header.
type PageHeader struct {
	Offset          int64
	Version         uint8
	Flags           PageFlags
	GranulePosition int64
	Serial          uint32
	Sequence        uint32
	Checksum        uint32
	Lacing          []byte
}

// HeaderLen is the size of the header including the lacing table.
func (h *PageHeader) HeaderLen() int { return headerSize + len(h.Lacing) }

// BodyLen is the number of payload bytes the lacing table describes.
func (h *PageHeader) BodyLen() int {
	n := 0
	for _, v := range h.Lacing {
		n += int(v)
	}
	return n
}

// Len is the total size of the page.
func (h *PageHeader) Len() int { return h.HeaderLen() + h.BodyLen() }

// PageError describes a page that failed to parse at a stream offset.
type PageError struct {
	Offset int64
	Err    error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("ogg: page at %d: %v", e.Offset, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

// parseFixedHeader parses the first 27 bytes of a page. The lacing table is
// filled in by the caller once its length is known.
func parseFixedHeader(b []byte, off int64) (PageHeader, error) {
	if len(b) < headerSize {
		return PageHeader{}, &PageError{Offset: off, Err: ErrShortHeader}
	}
	if string(b[:4]) != capturePattern {
		return PageHeader{}, &PageError{Offset: off, Err: ErrCapturePattern}
	}
	h := PageHeader{
		Offset:          off,
		Version:         b[4],
		Flags:           PageFlags(b[5]),
		GranulePosition: int64(binary.LittleEndian.Uint64(b[6:14])),
		Serial:          binary.LittleEndian.Uint32(b[14:18]),
		Sequence:        binary.LittleEndian.Uint32(b[18:22]),
		Checksum:        binary.LittleEndian.Uint32(b[22:26]),
	}
	if h.Version != 0 {
		return PageHeader{}, &PageError{Offset: off, Err: fmt.Errorf("%w %d", ErrVersion, h.Version)}
	}
	return h, nil
}

// span locates one packet, or packet fragment, inside a page body.
type span struct {
	offset    int
	length    int
	continued bool
}

// spans splits the lacing table into packet spans. A run of 255-valued
// lacing entries that reaches the end of the table leaves the final span
// continued on the next page.
func spans(lacing []byte) []span {
	var out []span
	start, length := 0, 0
	open := false
	for _, v := range lacing {
		length += int(v)
		open = true
		if v < maxLacing {
			out = append(out, span{offset: start, length: length})
			start += length
			length = 0
			open = false
		}
	}
	if open {
		out = append(out, span{offset: start, length: length, continued: true})
	}
	return out
}

// AppendPage encodes a page with header h and payload body onto dst. The
// lacing table must describe body; Offset and Checksum are ignored and the
// checksum is computed.
func AppendPage(dst []byte, h *PageHeader, body []byte) []byte {
	start := len(dst)
	dst = append(dst, capturePattern...)
	dst = append(dst, h.Version, byte(h.Flags))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(h.GranulePosition))
	dst = binary.LittleEndian.AppendUint32(dst, h.Serial)
	dst = binary.LittleEndian.AppendUint32(dst, h.Sequence)
	dst = append(dst, 0, 0, 0, 0, byte(len(h.Lacing)))
	dst = append(dst, h.Lacing...)
	binary.LittleEndian.PutUint32(dst[start+checksumOffset:], pageCRC(dst[start:], body))
	return append(dst, body...)
}

// Lacing returns the lacing values for complete packets of the given sizes.
func Lacing(sizes ...int) []byte {
	var out []byte
	for _, n := range sizes {
		for ; n >= maxLacing; n -= maxLacing {
			out = append(out, maxLacing)
		}
		out = append(out, byte(n))
	}
	return out
}
