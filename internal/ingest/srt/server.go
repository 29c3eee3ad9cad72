package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/oggdemux/internal/ingest"
)

// readBufferSize holds ten maximum-size SRT live payloads.
const readBufferSize = 1316 * 10

// latencyNs is the SRT receive latency (120ms).
const latencyNs = 120_000_000

// Server accepts SRT publish connections and registers them with the ingest
// registry.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates a Server listening on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start accepts publishers until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("srt: listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		if _, busy := s.registry.Get(extractStreamKey(req.StreamID)); busy {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		key := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())
		go s.handle(ctx, conn, key)
	}
}

func (s *Server) handle(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()

	stream, w, err := s.registry.Register(key, ingest.FormatOgg)
	if err != nil {
		s.log.Warn("rejecting publisher", "stream_key", key, "error", err)
		return
	}
	stream.SetRemoteAddr(conn.RemoteAddr().String())

	receive(ctx, s.log, conn, stream, w)

	stats := stream.IngestStats()
	s.registry.Unregister(key)
	s.log.Info("connection closed", "stream_key", key,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

// receive copies conn into w until the peer disconnects, the demuxer stops
// reading or ctx is cancelled.
func receive(ctx context.Context, log *slog.Logger, conn io.Reader, stream *ingest.Stream, w io.Writer) {
	buf := make([]byte, readBufferSize)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "stream_key", stream.Key, "error", err)
			}
			return
		}
		stream.RecordRead(n)
		if _, err := w.Write(buf[:n]); err != nil {
			log.Debug("pipe write error", "stream_key", stream.Key, "error", err)
			return
		}
	}
}

// extractStreamKey maps an SRT stream ID such as "/live/radio.ogg" to the
// registry key "radio.ogg".
func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
