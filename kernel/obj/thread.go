package obj

import (
	"sync"

	"oro/kernel"
	"oro/kernel/registry"
)

// ThreadState is the state-machine position of a Thread (§3: "Ready →
// Running → {Ready, Blocked, Terminated}; Blocked → Ready on wake; terminal
// is Terminated").
type ThreadState uint8

const (
	ThreadReady ThreadState = iota
	ThreadRunning
	ThreadBlocked
	ThreadTerminated
)

func (s ThreadState) String() string {
	switch s {
	case ThreadReady:
		return "ready"
	case ThreadRunning:
		return "running"
	case ThreadBlocked:
		return "blocked"
	case ThreadTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var errBadTransition = kernel.NewError("obj", "illegal thread state transition")

// Thread is the unit of scheduling, bound to one Instance (§3).
type Thread struct {
	mu sync.Mutex

	Instance registry.Handle
	EntryIP  uintptr
	EntrySP  uintptr
	HomeCore int

	State     ThreadState
	LastError *kernel.Error
}

func newThread(instance registry.Handle, entryIP, entrySP uintptr, homeCore int) *Thread {
	return &Thread{Instance: instance, EntryIP: entryIP, EntrySP: entrySP, HomeCore: homeCore, State: ThreadReady}
}

// Transition moves the thread to a new state, enforcing the state machine
// in §3. Terminated is absorbing: once set, no further transition succeeds.
func (t *Thread) Transition(to ThreadState) *kernel.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(to)
}

func (t *Thread) transitionLocked(to ThreadState) *kernel.Error {
	if t.State == ThreadTerminated {
		if to == ThreadTerminated {
			return nil
		}
		return errBadTransition
	}

	switch {
	case to == ThreadTerminated:
		// A thread may be force-terminated from any non-terminal state
		// (§5: "a Thread may be marked Terminated at any time by its
		// Instance").
	case t.State == ThreadReady && to == ThreadRunning:
	case t.State == ThreadRunning && (to == ThreadReady || to == ThreadBlocked):
	case t.State == ThreadBlocked && to == ThreadReady:
	default:
		return errBadTransition
	}

	t.State = to
	return nil
}

// Snapshot returns the thread's current state under its lock.
func (t *Thread) Snapshot() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}

// SetLastError records the last syscall error observed by this thread,
// surfaced to Instance-level diagnostics.
func (t *Thread) SetLastError(err *kernel.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.LastError = err
}
