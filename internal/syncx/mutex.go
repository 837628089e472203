// Package syncx holds the small allocation primitives used by the pool orchestrator.
package syncx

import "context"

// Mutex is a non-reentrant lock backed by a single-slot token channel. Unlike sync.Mutex
// it can be acquired under a context. There is no ownership tracking: any goroutine may
// Unlock. Waiters are not promised any acquisition order.
type Mutex struct {
	token chan struct{}
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex {
	m := &Mutex{token: make(chan struct{}, 1)}
	m.token <- struct{}{}
	return m
}

// Lock blocks until the lock is held or ctx is done.
func (m *Mutex) Lock(ctx context.Context) error {
	select {
	case <-m.token:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires the lock only if it is free.
func (m *Mutex) TryLock() bool {
	select {
	case <-m.token:
		return true
	default:
		return false
	}
}

// Unlock releases the lock. Unlocking an unlocked Mutex is a no-op.
func (m *Mutex) Unlock() {
	select {
	case m.token <- struct{}{}:
	default:
	}
}
