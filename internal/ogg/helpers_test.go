package ogg

import (
	"bytes"
	"io"
)

// encodePage builds a page with a valid checksum.
func encodePage(flags PageFlags, serial, seq uint32, granule int64, lacing, body []byte) []byte {
	h := PageHeader{Flags: flags, Serial: serial, Sequence: seq, GranulePosition: granule, Lacing: lacing}
	return AppendPage(nil, &h, body)
}

func laced(sizes ...int) []byte { return Lacing(sizes...) }

// open returns the lacing values for a fragment that continues on the next
// page. n must be a multiple of 255.
func open(n int) []byte {
	return bytes.Repeat([]byte{maxLacing}, n/maxLacing)
}

// payload returns n bytes derived from tag.
func payload(tag byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = tag + byte(i%13)
	}
	return b
}

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

// forwardOnly hides any Seek method of the wrapped reader.
type forwardOnly struct {
	r io.Reader
}

func (f *forwardOnly) Read(p []byte) (int, error) { return f.r.Read(p) }
