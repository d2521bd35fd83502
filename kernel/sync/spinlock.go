// Package sync provides synchronization primitive implementations for
// spinlocks and a fair (ticket) mutex. Per §5 of the design, taking a lock
// never suspends the calling thread through the scheduler -- it spins --
// so these primitives are built directly on sync/atomic rather than on
// channels or sync.Mutex.
package sync

import "sync/atomic"

var (
	// yieldFn is substituted by tests to avoid busy-looping the test
	// runner. In the kernel proper a spin loop just re-polls the cache
	// line, so the default is a no-op.
	yieldFn = func() {}

	// attemptsBeforeYielding bounds how many CAS attempts a Spinlock makes
	// before calling yieldFn once. Contention is expected to be
	// microseconds (§5), so this is intentionally small.
	attemptsBeforeYielding = uint32(1000)
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	var attempts uint32
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		attempts++
		if attempts >= attemptsBeforeYielding {
			attempts = 0
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
