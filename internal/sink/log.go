package sink

import (
	"encoding/hex"
	"log/slog"

	"github.com/zeebo/blake3"
)

const digestPrefix = 8

// LogSink logs one line per packet with a BLAKE3 digest prefix of its
// payload, so runs over the same input can be compared by eye or by diff.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink returns a LogSink. A nil logger uses slog.Default().
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log.With("component", "sink")}
}

// WritePacket logs rec.
func (s *LogSink) WritePacket(rec Record) error {
	s.log.Info("packet",
		"serial", rec.Serial,
		"codec", string(rec.Codec),
		"seq", rec.Sequence,
		"granule", rec.Granule,
		"bytes", len(rec.Payload),
		"eos", rec.EndOfStream(),
		"blake3", Digest(rec.Payload))
	return nil
}

// Digest returns the hex BLAKE3 digest prefix used in log lines.
func Digest(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:digestPrefix])
}
