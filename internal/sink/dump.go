package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go/quicvarint"
)

// Dump files are a sequence of records, each laid out as QUIC varints
//
//	serial | page sequence | granule+1 | flags | payload length | payload
//
// The granule is biased by one so the "no position" value -1 encodes as 0.

// ErrGranuleRange is returned for granule positions a varint cannot carry.
var ErrGranuleRange = errors.New("sink: granule position out of varint range")

// ErrTruncated is returned by DumpReader when the input ends inside a record.
var ErrTruncated = errors.New("sink: truncated dump record")

// DumpWriter writes records to an io.Writer. It is safe for concurrent use.
type DumpWriter struct {
	mu  sync.Mutex
	w   *bufio.Writer
	buf []byte
	n   int64
}

// NewDumpWriter returns a DumpWriter writing to w. Call Flush before closing
// the underlying writer.
func NewDumpWriter(w io.Writer) *DumpWriter {
	return &DumpWriter{w: bufio.NewWriter(w)}
}

// WritePacket appends one record.
func (d *DumpWriter) WritePacket(rec Record) error {
	if rec.Granule < -1 || uint64(rec.Granule)+1 > quicvarint.Max {
		return fmt.Errorf("%w: %d", ErrGranuleRange, rec.Granule)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	buf := d.buf[:0]
	buf = quicvarint.Append(buf, uint64(rec.Serial))
	buf = quicvarint.Append(buf, uint64(rec.Sequence))
	buf = quicvarint.Append(buf, uint64(rec.Granule+1))
	buf = quicvarint.Append(buf, rec.Flags)
	buf = quicvarint.Append(buf, uint64(len(rec.Payload)))
	d.buf = buf

	if _, err := d.w.Write(buf); err != nil {
		return fmt.Errorf("sink: write record header: %w", err)
	}
	if _, err := d.w.Write(rec.Payload); err != nil {
		return fmt.Errorf("sink: write record payload: %w", err)
	}
	d.n++
	return nil
}

// Records is the number of records written.
func (d *DumpWriter) Records() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

// Flush writes buffered records to the underlying writer.
func (d *DumpWriter) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.w.Flush()
}

// DumpReader reads records written by DumpWriter.
type DumpReader struct {
	r *bufio.Reader
}

// NewDumpReader returns a DumpReader reading from r.
func NewDumpReader(r io.Reader) *DumpReader {
	return &DumpReader{r: bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF after the last one.
func (d *DumpReader) Next() (Record, error) {
	var fields [5]uint64
	for i := range fields {
		v, err := quicvarint.Read(d.r)
		if err != nil {
			if i == 0 && errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("%w: field %d: %v", ErrTruncated, i, err)
		}
		fields[i] = v
	}

	rec := Record{
		Serial:   uint32(fields[0]),
		Sequence: uint32(fields[1]),
		Granule:  int64(fields[2]) - 1,
		Flags:    fields[3],
	}
	rec.Payload = make([]byte, fields[4])
	if _, err := io.ReadFull(d.r, rec.Payload); err != nil {
		return Record{}, fmt.Errorf("%w: payload: %v", ErrTruncated, err)
	}
	return rec, nil
}
