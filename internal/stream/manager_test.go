package stream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManagerCreateAndGet(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	s, ok := m.Create("radio", "srt")
	if !ok || s == nil {
		t.Fatal("Create failed for a new session")
	}
	if s.Key != "radio" || s.Protocol != "srt" {
		t.Errorf("session = %+v", s)
	}
	if s.StartedAt.IsZero() {
		t.Error("StartedAt should not be zero")
	}
	if got, ok := m.Get("radio"); !ok || got != s {
		t.Error("Get did not return the created session")
	}
}

func TestManagerCreateDuplicate(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	if _, ok := m.Create("radio", "file"); !ok {
		t.Fatal("first Create should succeed")
	}
	s2, ok := m.Create("radio", "file")
	if ok || s2 != nil {
		t.Error("duplicate Create should fail with a nil session")
	}
}

func TestManagerRemoveClosesDone(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	s, _ := m.Create("radio", "file")
	m.Remove("radio")
	if len(m.List()) != 0 {
		t.Errorf("sessions after remove: %d", len(m.List()))
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed")
	}
	m.Remove("radio")
}

func TestManagerListSorted(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	for _, k := range []string{"c", "a", "b"} {
		m.Create(k, "file")
	}
	list := m.List()
	if len(list) != 3 || list[0].Key != "a" || list[1].Key != "b" || list[2].Key != "c" {
		t.Errorf("List order wrong: %v", list)
	}
}

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func TestManagerRun(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	started := make(chan struct{})
	release := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- m.Run(context.Background(), "live", "srt", runnerFunc(func(context.Context) error {
			close(started)
			<-release
			return nil
		}))
	}()

	<-started
	if _, ok := m.Get("live"); !ok {
		t.Fatal("session not active while running")
	}
	err := m.Run(context.Background(), "live", "srt", runnerFunc(func(context.Context) error { return nil }))
	if !errors.Is(err, ErrExists) {
		t.Errorf("second Run = %v, want ErrExists", err)
	}

	close(release)
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	m.Wait()
	if _, ok := m.Get("live"); ok {
		t.Error("session still active after Run returned")
	}
}

func TestManagerRunPropagatesError(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	boom := errors.New("boom")
	if err := m.Run(context.Background(), "x", "file", runnerFunc(func(context.Context) error { return boom })); !errors.Is(err, boom) {
		t.Errorf("Run = %v, want boom", err)
	}
	if len(m.List()) != 0 {
		t.Error("failed session not removed")
	}
}
