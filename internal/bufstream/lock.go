package bufstream

import "sync"

// ownerLock is a reentrant mutex owned by a Handle. A handle that already
// owns the lock may acquire it again; other handles block until the owner's
// depth returns to zero.
type ownerLock struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner *Handle
	depth int
}

func newOwnerLock() *ownerLock {
	l := &ownerLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *ownerLock) acquire(h *Handle) {
	l.mu.Lock()
	for l.owner != nil && l.owner != h {
		l.cond.Wait()
	}
	l.owner = h
	l.depth++
	l.mu.Unlock()
}

// release fails without touching the owner or depth when h is not the owner.
func (l *ownerLock) release(h *Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != h {
		return ErrLockViolation
	}
	l.depth--
	if l.depth == 0 {
		l.owner = nil
		l.cond.Signal()
	}
	return nil
}

func (l *ownerLock) holds(h *Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner == h
}

func (l *ownerLock) heldDepth(h *Handle) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != h {
		return 0
	}
	return l.depth
}
