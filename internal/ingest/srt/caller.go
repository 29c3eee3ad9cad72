package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/oggdemux/internal/ingest"
)

// DefaultDialTimeout bounds how long Pull waits for the remote listener.
const DefaultDialTimeout = 10 * time.Second

// PullRequest describes a remote SRT source to pull from.
type PullRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

func (r PullRequest) validate() error {
	if r.Address == "" {
		return errors.New("srt: pull address is required")
	}
	if r.StreamKey == "" {
		return errors.New("srt: pull stream key is required")
	}
	return nil
}

func (r PullRequest) streamID() string {
	if r.StreamID != "" {
		return r.StreamID
	}
	return "live/" + r.StreamKey
}

// Caller dials remote SRT listeners and streams their bytes into the ingest
// registry.
type Caller struct {
	log         *slog.Logger
	registry    *ingest.Registry
	dialTimeout time.Duration

	mu    sync.Mutex
	pulls map[string]context.CancelFunc
	reqs  map[string]PullRequest
}

// CallerOptDialTimeout overrides DefaultDialTimeout.
func CallerOptDialTimeout(d time.Duration) func(*Caller) {
	return func(c *Caller) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// NewCaller creates a Caller. If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger, opts ...func(*Caller)) *Caller {
	if log == nil {
		log = slog.Default()
	}
	c := &Caller{
		log:         log.With("component", "srt-caller"),
		registry:    registry,
		dialTimeout: DefaultDialTimeout,
		pulls:       make(map[string]context.CancelFunc),
		reqs:        make(map[string]PullRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pull dials the remote listener and returns once connected; the stream is
// then received on a background goroutine until the peer disconnects, Stop
// is called or ctx is cancelled.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	if c.active(req.StreamKey) {
		return fmt.Errorf("srt: pull already active for stream key %q", req.StreamKey)
	}

	c.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)
	conn, err := c.dial(ctx, req)
	if err != nil {
		return err
	}
	return c.start(ctx, req, conn)
}

func (c *Caller) dial(ctx context.Context, req PullRequest) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs
	cfg.StreamID = req.streamID()

	type result struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- result{conn, err}
	}()
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(c.dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srt: dial %s: %w", req.Address, res.err)
		}
		return res.conn, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("srt: dial %s timed out after %s", req.Address, c.dialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

func (c *Caller) start(ctx context.Context, req PullRequest, conn *srtgo.Conn) error {
	stream, w, err := c.registry.Register(req.StreamKey, ingest.FormatOgg)
	if err != nil {
		conn.Close()
		return err
	}
	stream.SetRemoteAddr(req.Address)

	pullCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.pulls[req.StreamKey] = cancel
	c.reqs[req.StreamKey] = req
	c.mu.Unlock()
	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)

	go func() {
		defer func() {
			conn.Close()
			cancel()
			stats := stream.IngestStats()
			c.registry.Unregister(req.StreamKey)
			c.mu.Lock()
			delete(c.pulls, req.StreamKey)
			delete(c.reqs, req.StreamKey)
			c.mu.Unlock()
			c.log.Info("pull ended", "stream_key", req.StreamKey,
				"bytes", stats.BytesReceived, "reads", stats.ReadCount,
				"uptime_ms", stats.UptimeMs)
		}()
		// srtgo reads do not observe ctx; closing the conn unblocks them.
		go func() {
			<-pullCtx.Done()
			conn.Close()
		}()
		receive(pullCtx, c.log, conn, stream, w)
	}()
	return nil
}

func (c *Caller) active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pulls[key]
	return ok
}

// Stop cancels the pull for streamKey.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	cancel, ok := c.pulls[streamKey]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("srt: no active pull for stream key %q", streamKey)
	}
	cancel()
	return nil
}

// ActivePulls lists the running pulls ordered by stream key.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	out := make([]PullRequest, 0, len(c.reqs))
	for _, r := range c.reqs {
		out = append(out, r)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out
}
