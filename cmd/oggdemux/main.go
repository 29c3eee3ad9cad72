// Command oggdemux splits Ogg physical streams into the packets of their
// logical streams. It reads a local file or standard input, or serves live
// inputs over SRT, and writes packets to a dump file and the log.
//
// Usage:
//
//	oggdemux [flags] <input.ogg|input.ogg.zst|input.ogg.lz4|->
//	oggdemux --srt-listen :6000 --dump out.dump
//	oggdemux --srt-pull host:6000 --stream-key radio
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/oggdemux/internal/bufstream"
	"github.com/zsiec/oggdemux/internal/ingest"
	srtingest "github.com/zsiec/oggdemux/internal/ingest/srt"
	"github.com/zsiec/oggdemux/internal/pipeline"
	"github.com/zsiec/oggdemux/internal/sink"
	"github.com/zsiec/oggdemux/internal/stream"
)

var version = "dev"

type config struct {
	dump         string
	minimalRead  bool
	maxWindow    int
	ignore       []string
	srtListen    string
	srtPull      string
	streamKey    string
	quiet        bool
	printStats   bool
	printVersion bool
}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var cfg config
	flag.StringVarP(&cfg.dump, "dump", "o", envOr("OGGDEMUX_DUMP", ""), "Write packets to this varint-framed dump file")
	flag.BoolVar(&cfg.minimalRead, "minimal-read", false, "Return reads after the first chunk of data (live inputs)")
	flag.IntVar(&cfg.maxWindow, "max-window", envInt("OGGDEMUX_MAX_WINDOW", bufstream.DefaultMaxWindow), "Maximum bytes buffered per input")
	flag.StringSliceVar(&cfg.ignore, "ignore-serial", nil, "Logical stream serials to drop (decimal or 0x hex)")
	flag.StringVar(&cfg.srtListen, "srt-listen", envOr("SRT_ADDR", ""), "Accept SRT publishers on this address")
	flag.StringVar(&cfg.srtPull, "srt-pull", "", "Pull from a remote SRT listener at this address")
	flag.StringVar(&cfg.streamKey, "stream-key", "default", "Stream key for --srt-pull")
	flag.BoolVarP(&cfg.quiet, "quiet", "q", false, "Do not log every packet")
	flag.BoolVar(&cfg.printStats, "stats", false, "Print final stats as JSON on stdout (file input only)")
	flag.BoolVarP(&cfg.printVersion, "version", "v", false, "Print version information and exit")
	flag.Parse()

	if cfg.printVersion {
		fmt.Println("oggdemux", version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flag.Args()); err != nil {
		slog.Error("oggdemux failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, args []string) error {
	live := cfg.srtListen != "" || cfg.srtPull != ""
	if live == (len(args) == 1) || len(args) > 1 {
		return errors.New("usage: oggdemux [flags] <input|->, or --srt-listen / --srt-pull without an input")
	}

	opts, err := pipelineOpts(cfg)
	if err != nil {
		return err
	}
	out, closeSink, err := openSink(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSink(); err != nil {
			slog.Error("closing dump", "error", err)
		}
	}()

	mgr := stream.NewManager(nil)
	if !live {
		return demuxFile(ctx, mgr, args[0], out, opts, cfg.printStats)
	}
	return serve(ctx, mgr, cfg, out, opts)
}

func demuxFile(ctx context.Context, mgr *stream.Manager, name string, out sink.Sink, opts []func(*pipeline.Pipeline), printStats bool) error {
	src, err := ingest.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	slog.Info("oggdemux starting", "version", version, "input", src.Name, "compression", src.Compression)
	p := pipeline.New(src.Name, src, out, opts...)
	p.SetProtocol("file")
	if err := mgr.Run(ctx, src.Name, "file", p); err != nil {
		return err
	}
	if printStats {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p.Stats())
	}
	return nil
}

// serve runs the SRT ingest services until ctx is cancelled or one fails.
// Each ingested stream key gets its own demux session.
func serve(ctx context.Context, mgr *stream.Manager, cfg config, out sink.Sink, opts []func(*pipeline.Pipeline)) error {
	slog.Info("oggdemux starting", "version", version, "srt_listen", cfg.srtListen, "srt_pull", cfg.srtPull)
	g, ctx := errgroup.WithContext(ctx)

	live := []func(*pipeline.Pipeline){pipeline.PipelineOptMinimalRead(true)}
	registry := ingest.NewRegistry(func(key string, input io.Reader, _ ingest.InputFormat) {
		in, err := ingest.Decompress(input, ingest.CompressionFor(key))
		if err != nil {
			slog.Error("rejecting stream", "key", key, "error", err)
			return
		}
		defer in.Close()

		p := pipeline.New(key, in, out, slices.Concat(opts, live)...)
		p.SetProtocol("SRT")
		if err := mgr.Run(ctx, key, "srt", p); err != nil {
			slog.Error("pipeline error", "key", key, "error", err)
		}
		// Drain the pipe so the receiver is not blocked after a failure.
		_, _ = io.Copy(io.Discard, input)
	})

	if cfg.srtListen != "" {
		srv := srtingest.NewServer(cfg.srtListen, registry, nil)
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}
	if cfg.srtPull != "" {
		caller := srtingest.NewCaller(registry, nil)
		g.Go(func() error {
			err := caller.Pull(ctx, srtingest.PullRequest{Address: cfg.srtPull, StreamKey: cfg.streamKey})
			if err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		})
	}

	err := g.Wait()
	mgr.Wait()
	return err
}

func pipelineOpts(cfg config) ([]func(*pipeline.Pipeline), error) {
	opts := []func(*pipeline.Pipeline){
		pipeline.PipelineOptLogger(slog.Default()),
		pipeline.PipelineOptMaxWindow(cfg.maxWindow),
	}
	if cfg.minimalRead {
		opts = append(opts, pipeline.PipelineOptMinimalRead(true))
	}
	if len(cfg.ignore) > 0 {
		serials, err := parseSerials(cfg.ignore)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pipeline.PipelineOptIgnoreSerials(serials...))
	}
	return opts, nil
}

func parseSerials(in []string) ([]uint32, error) {
	out := make([]uint32, 0, len(in))
	for _, s := range in {
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid serial %q: %w", s, err)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

// openSink builds the packet sink from the flags. The returned func flushes
// and closes the dump file.
func openSink(cfg config) (sink.Sink, func() error, error) {
	var log sink.Sink
	if !cfg.quiet {
		log = sink.NewLogSink(nil)
	}
	if cfg.dump == "" {
		return sink.Multi(log), func() error { return nil }, nil
	}

	f, err := os.Create(cfg.dump)
	if err != nil {
		return nil, nil, fmt.Errorf("create dump: %w", err)
	}
	dump := sink.NewDumpWriter(f)
	closeFn := func() error {
		ferr := dump.Flush()
		cerr := f.Close()
		slog.Info("dump written", "path", cfg.dump, "records", dump.Records())
		return errors.Join(ferr, cerr)
	}
	return sink.Multi(dump, log), closeFn, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v, err := strconv.Atoi(envOr(key, ""))
	if err != nil {
		return fallback
	}
	return v
}
