// Package pipeline runs the demux data flow for a single physical stream:
// it discovers the logical streams of an Ogg input, consumes each on its own
// goroutine and hands every packet to a sink while collecting telemetry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/oggdemux/internal/bufstream"
	"github.com/zsiec/oggdemux/internal/ogg"
	"github.com/zsiec/oggdemux/internal/sink"
)

// StreamStats describes one logical stream of the input.
type StreamStats struct {
	ogg.ProviderStats
	Codec ogg.Codec `json:"codec"`
}

// Stats is a point-in-time snapshot of a pipeline.
type Stats struct {
	Key       string             `json:"key"`
	Protocol  string             `json:"protocol,omitempty"`
	UptimeMs  int64              `json:"uptimeMs"`
	Seekable  bool               `json:"seekable"`
	Container ogg.ContainerStats `json:"container"`
	Streams   []StreamStats      `json:"streams"`
	Forwarded int64              `json:"forwarded"`
	Bytes     int64              `json:"bytes"`
}

// Pipeline demultiplexes one physical Ogg stream into a sink. Each logical
// stream gets a consumer goroutine as soon as its first page is parsed.
type Pipeline struct {
	log       *slog.Logger
	key       string
	protocol  string
	reader    *bufstream.Reader
	container *ogg.Container
	sink      sink.Sink
	ignore    map[uint32]bool
	startTime time.Time

	readerOpts []func(*bufstream.Reader)

	// group and gctx are set by Run before any page is parsed.
	group *errgroup.Group
	gctx  context.Context

	mu     sync.Mutex
	codecs map[uint32]ogg.Codec

	// active counts running consumers. Consumers drive page parsing, so
	// discovery resumes whenever it drops to zero.
	active atomic.Int64
	// discoverMu admits one discovery loop at a time; the container's own
	// handle is not shared between goroutines.
	discoverMu sync.Mutex

	forwarded atomic.Int64
	bytes     atomic.Int64
}

// PipelineOptLogger sets the logger. The default is slog.Default().
func PipelineOptLogger(log *slog.Logger) func(*Pipeline) {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// PipelineOptMinimalRead makes the buffered reader return after the first
// chunk that yields data. Use it for live inputs.
func PipelineOptMinimalRead(v bool) func(*Pipeline) {
	return func(p *Pipeline) {
		p.readerOpts = append(p.readerOpts, bufstream.ReaderOptMinimalRead(v))
	}
}

// PipelineOptMaxWindow bounds the bytes buffered from the input.
func PipelineOptMaxWindow(n int) func(*Pipeline) {
	return func(p *Pipeline) {
		p.readerOpts = append(p.readerOpts, bufstream.ReaderOptMaxWindow(n))
	}
}

// PipelineOptIgnoreSerials drops the packets of the given logical streams.
func PipelineOptIgnoreSerials(serials ...uint32) func(*Pipeline) {
	return func(p *Pipeline) {
		for _, s := range serials {
			p.ignore[s] = true
		}
	}
}

// New creates a Pipeline reading input and writing packets to out. The
// pipeline does not close input. A nil sink discards packets.
func New(key string, input io.Reader, out sink.Sink, opts ...func(*Pipeline)) *Pipeline {
	p := &Pipeline{
		log:    slog.Default(),
		key:    key,
		sink:   out,
		ignore: make(map[uint32]bool),
		codecs: make(map[uint32]ogg.Codec),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.sink == nil {
		p.sink = sink.Discard
	}
	p.log = p.log.With("stream", key)

	ropts := append([]func(*bufstream.Reader){
		bufstream.ReaderOptLeaveOpen(),
		bufstream.ReaderOptLogger(p.log),
	}, p.readerOpts...)
	p.reader = bufstream.NewReader(input, ropts...)
	p.container = ogg.NewContainer(p.reader,
		ogg.ContainerOptLogger(p.log),
		ogg.ContainerOptNewStream(p.onNewStream))
	p.startTime = time.Now()
	return p
}

// SetProtocol records the ingest protocol name for stats.
func (p *Pipeline) SetProtocol(proto string) {
	p.protocol = proto
}

// Run demultiplexes the input until every logical stream has ended, a
// consumer fails or ctx is cancelled. Cancellation is observed between
// packets; a read blocked on the input returns only when the input does.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.reader.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.group, p.gctx = errgroup.WithContext(ctx)
	if err := p.discover(p.gctx); err != nil {
		cancel()
		_ = p.group.Wait()
		return err
	}
	if err := p.group.Wait(); err != nil {
		return err
	}
	st := p.container.Stats()
	p.log.Info("demux finished",
		"streams", st.Streams, "pages", st.Pages, "packets", st.Packets,
		"crc_errors", st.CRCErrors, "resync_bytes", st.ResyncBytes)
	return nil
}

// discover reads pages until some consumer is running or the input ends.
// Pages of ignored streams are released as they are parsed.
func (p *Pipeline) discover(ctx context.Context) error {
	p.discoverMu.Lock()
	defer p.discoverMu.Unlock()

	for p.active.Load() == 0 && ctx.Err() == nil {
		found, err := p.container.FindNextStream()
		if err != nil {
			return fmt.Errorf("pipeline: find stream: %w", err)
		}
		if !found {
			if p.container.Stats().Streams == 0 {
				p.log.Info("input holds no logical streams")
			}
			return nil
		}
	}
	return nil
}

// onNewStream runs under the reader lock; it only schedules a consumer.
func (p *Pipeline) onNewStream(ev *ogg.NewStreamEvent) {
	pp := ev.PacketProvider()
	if p.ignore[pp.StreamSerial()] {
		ev.IgnoreStream = true
		return
	}
	p.active.Add(1)
	p.group.Go(func() error {
		err := p.consume(p.gctx, pp)
		if p.active.Add(-1) == 0 && err == nil {
			// Chained streams start after the last one ends.
			return p.discover(p.gctx)
		}
		return err
	})
}

func (p *Pipeline) consume(ctx context.Context, pp *ogg.PacketProvider) error {
	serial := pp.StreamSerial()
	log := p.log.With("serial", fmt.Sprintf("%08x", serial))
	codec := ogg.CodecUnknown

	for n := 0; ; n++ {
		if ctx.Err() != nil {
			return nil
		}
		pkt, err := pp.NextPacket()
		if errors.Is(err, io.EOF) {
			log.Info("stream finished", "packets", n, "codec", codec)
			return nil
		}
		if err != nil {
			return err
		}

		if n == 0 {
			if codec, err = ogg.ProbeCodec(pkt); err != nil {
				return fmt.Errorf("stream %08x: probe codec: %w", serial, err)
			}
			p.setCodec(serial, codec)
			log.Info("stream codec", "codec", codec)
		}

		payload := make([]byte, pkt.Length())
		if _, err := io.ReadFull(pkt, payload); err != nil {
			return fmt.Errorf("stream %08x: read packet %d: %w", serial, n, err)
		}
		rec := sink.NewRecord(serial, codec, pkt, payload)
		if err := pkt.Done(); err != nil {
			return fmt.Errorf("stream %08x: release packet %d: %w", serial, n, err)
		}
		if err := p.sink.WritePacket(rec); err != nil {
			return fmt.Errorf("stream %08x: sink: %w", serial, err)
		}
		p.forwarded.Add(1)
		p.bytes.Add(int64(len(payload)))
	}
}

func (p *Pipeline) setCodec(serial uint32, c ogg.Codec) {
	p.mu.Lock()
	p.codecs[serial] = c
	p.mu.Unlock()
}

// Stats returns a snapshot of the pipeline's counters.
func (p *Pipeline) Stats() Stats {
	st := Stats{
		Key:       p.key,
		Protocol:  p.protocol,
		UptimeMs:  time.Since(p.startTime).Milliseconds(),
		Seekable:  p.reader.Seekable(),
		Container: p.container.Stats(),
		Forwarded: p.forwarded.Load(),
		Bytes:     p.bytes.Load(),
	}
	p.mu.Lock()
	for _, pp := range p.container.Streams() {
		codec, ok := p.codecs[pp.StreamSerial()]
		if !ok {
			codec = ogg.CodecUnknown
		}
		st.Streams = append(st.Streams, StreamStats{ProviderStats: pp.Stats(), Codec: codec})
	}
	p.mu.Unlock()
	sort.SliceStable(st.Streams, func(i, j int) bool { return st.Streams[i].Serial < st.Streams[j].Serial })
	return st
}
