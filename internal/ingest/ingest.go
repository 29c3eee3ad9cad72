// Package ingest delivers physical Ogg streams to the demuxer. Network
// receivers hand their bytes to a Registry, which couples each connection
// with metadata and dispatches a reader to the demux pipeline; local inputs
// are opened with Open.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// InputFormat identifies the container format of an ingested stream.
type InputFormat int

// Supported ingest container formats.
const (
	FormatOgg InputFormat = iota
)

func (f InputFormat) String() string {
	switch f {
	case FormatOgg:
		return "ogg"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ErrDuplicateKey is returned by Register when the key is already active.
var ErrDuplicateKey = errors.New("ingest: stream key already registered")

// IngestStats captures connection-level metrics for an ingest stream.
type IngestStats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream is an active ingest connection. Bytes the receiver writes into the
// stream's pipe are read by the demux pipeline as a forward-only input.
type Stream struct {
	Key       string
	StartedAt time.Time
	Format    InputFormat

	input *io.PipeReader
	pw    *io.PipeWriter
	done  chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead counts one receiver read of n bytes.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the peer address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// IngestStats returns a snapshot of the connection metrics.
func (s *Stream) IngestStats() IngestStats {
	addr, _ := s.remoteAddr.Load().(string)
	return IngestStats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active ingest streams by key and dispatches each new one
// to the onStream callback, which starts a demux pipeline over it.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream func(key string, input io.Reader, format InputFormat)
}

// NewRegistry creates a Registry. onStream, if not nil, runs on its own
// goroutine for every registered stream and owns the reader it receives.
func NewRegistry(onStream func(key string, input io.Reader, format InputFormat)) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register adds a stream under key and returns the writer the receiver
// should copy its bytes into. Closing the writer ends the demuxer's input.
func (r *Registry) Register(key string, format InputFormat) (*Stream, io.WriteCloser, error) {
	pr, pw := io.Pipe()
	stream := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		Format:    format,
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.streams[key]; exists {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	r.streams[key] = stream
	r.mu.Unlock()

	if r.onStream != nil {
		go r.onStream(key, pr, format)
	}
	return stream, pw, nil
}

// Unregister removes a stream, ending its input with io.EOF.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.pw.Close()
		close(stream.done)
	}
}

// Get returns the Stream for key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// Keys returns the active stream keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.streams))
	for k := range r.streams {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
