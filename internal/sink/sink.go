// Package sink receives demultiplexed packets. A DumpWriter persists them in
// a compact varint-framed file; a LogSink reports each one as a structured
// log line with a content digest.
package sink

import "github.com/zsiec/oggdemux/internal/ogg"

// Record flag bits.
const (
	FlagEndOfStream uint64 = 1 << iota
	FlagMultiPage
)

// Record is one packet as handed to a Sink.
type Record struct {
	Serial   uint32
	Sequence uint32
	Granule  int64
	Flags    uint64
	Codec    ogg.Codec
	Payload  []byte
}

// EndOfStream reports whether the packet was the last of its stream.
func (r Record) EndOfStream() bool { return r.Flags&FlagEndOfStream != 0 }

// NewRecord describes p, whose bytes have been read into payload.
func NewRecord(serial uint32, codec ogg.Codec, p *ogg.Packet, payload []byte) Record {
	rec := Record{
		Serial:   serial,
		Sequence: p.PageSequence(),
		Granule:  p.GranulePosition(),
		Codec:    codec,
		Payload:  payload,
	}
	if p.IsEndOfStream() {
		rec.Flags |= FlagEndOfStream
	}
	if p.Fragments() > 1 {
		rec.Flags |= FlagMultiPage
	}
	return rec
}

// Sink consumes packets. Implementations must be safe for concurrent use;
// logical streams are delivered from separate goroutines.
type Sink interface {
	WritePacket(rec Record) error
}

// multi fans records out to several sinks.
type multi []Sink

// Multi returns a Sink writing to every non-nil sink in order. The first
// error stops the fan-out.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m multi) WritePacket(rec Record) error {
	for _, s := range m {
		if err := s.WritePacket(rec); err != nil {
			return err
		}
	}
	return nil
}

// Discard is a Sink that drops every record.
var Discard Sink = discard{}

type discard struct{}

func (discard) WritePacket(Record) error { return nil }
