// Package stream tracks the lifecycle of active demux sessions, one per
// ingested physical stream, so the CLI can report on and wait for them.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrExists is returned when a session key is already active.
var ErrExists = errors.New("stream: session already exists")

// Runner is the work a session performs; *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context) error
}

// Session is one active demux session.
type Session struct {
	Key       string
	Protocol  string
	StartedAt time.Time
	done      chan struct{}
}

// Done is closed when the session is removed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Manager manages the lifecycle of demux sessions.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewManager creates a session manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "stream-manager"),
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session. It returns false if key is already active.
func (m *Manager) Create(key, protocol string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[key]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "key", key)
		return nil, false
	}
	s := &Session{
		Key:       key,
		Protocol:  protocol,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
	m.sessions[key] = s
	m.log.Info("session created", "key", key, "protocol", protocol)
	return s, true
}

// Remove ends a session.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("session removed", "key", key, "duration", time.Since(s.StartedAt).Round(time.Millisecond))
	}
}

// Get returns the session for key.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// List returns the active sessions ordered by key.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Key < sessions[j].Key })
	return sessions
}

// Run executes r as the session key, removing the session when r returns.
func (m *Manager) Run(ctx context.Context, key, protocol string, r Runner) error {
	if _, ok := m.Create(key, protocol); !ok {
		return fmt.Errorf("%w: %q", ErrExists, key)
	}
	m.wg.Add(1)
	defer m.wg.Done()
	defer m.Remove(key)

	if err := r.Run(ctx); err != nil {
		m.log.Warn("session failed", "key", key, "error", err)
		return err
	}
	return nil
}

// Wait blocks until every session started with Run has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}
