package ogg

import (
	"bytes"
	"io"
)

// Codec names the codec carried by a logical stream.
type Codec string

// Codecs recognised by ProbeCodec.
const (
	CodecUnknown Codec = "unknown"
	CodecVorbis  Codec = "vorbis"
	CodecOpus    Codec = "opus"
	CodecFLAC    Codec = "flac"
	CodecSpeex   Codec = "speex"
	CodecTheora  Codec = "theora"
)

var codecMagic = []struct {
	codec Codec
	magic []byte
}{
	{CodecVorbis, []byte("\x01vorbis")},
	{CodecOpus, []byte("OpusHead")},
	{CodecFLAC, []byte("\x7fFLAC")},
	{CodecSpeex, []byte("Speex   ")},
	{CodecTheora, []byte("\x80theora")},
}

const probeLen = 8

// ProbeCodec identifies the codec from the identification header in the
// first packet of a stream. The packet is rewound afterwards.
func ProbeCodec(p *Packet) (Codec, error) {
	defer p.Reset()

	var buf [probeLen]byte
	n, err := io.ReadFull(p, buf[:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return CodecUnknown, err
	}
	for _, m := range codecMagic {
		if bytes.HasPrefix(buf[:n], m.magic) {
			return m.codec, nil
		}
	}
	return CodecUnknown, nil
}
