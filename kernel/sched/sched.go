// Package sched implements the per-core scheduler described in §4.4: a
// FIFO run queue per core, cross-core wake routing, and timer-driven
// preemption. The teacher has no scheduler of its own to ground this
// against (gopheros never got past early boot), so the cross-core queue
// here leans on the most idiomatic Go primitive for an MPMC channel -- a
// buffered chan -- rather than hand-rolling a lock-free ring the way a
// real kernel would; see DESIGN.md.
package sched

import (
	"sync"

	"oro/kernel"
	"oro/kernel/cpu"
	"oro/kernel/kfmt"
	"oro/kernel/obj"
	"oro/kernel/registry"
)

// BlockReason records why a thread was moved to Blocked. WakeWaitersOnPort
// matches waiters by PortHandle and Tick by Deadline; Wake does not check
// the reason against the wake it delivers.
type BlockReason struct {
	PortHandle registry.Handle
	Role       obj.Role
	Deadline   uint64 // absolute tick, 0 = no deadline
}

// WakeReason names why a blocked thread was woken. The WAIT opcode returns
// WakeNormal as soon as it has blocked the caller; Tick passes WakeTimedOut
// to its timeout wake, but the reason is not stored on the thread and is
// not reported back to it.
type WakeReason uint8

const (
	WakeNormal WakeReason = iota
	WakeTimedOut
)

var errNotRunning = kernel.NewError("sched", "thread is not the core's current thread")

type waitEntry struct {
	thread   registry.Handle
	reason   BlockReason
	deadline uint64
}

// Core is one processor's scheduling state (§4.4).
type Core struct {
	id      int
	quantum uint64

	mu          sync.Mutex
	ready       []registry.Handle
	current     registry.Handle
	tick        uint64
	quantumUsed uint64
	waiting     map[registry.Handle]waitEntry
	// waitOrder preserves the order threads blocked in, so a port wake can
	// honor §4.5's "the other side's next enqueue/dequeue wakes one
	// waiter (FIFO)".
	waitOrder []registry.Handle

	incoming chan registry.Handle

	metrics *Metrics
}

// NewCore builds an idle Core with the given quantum, in ticks.
func NewCore(id int, quantum uint64, metrics *Metrics) *Core {
	return &Core{
		id:       id,
		quantum:  quantum,
		waiting:  make(map[registry.Handle]waitEntry),
		incoming: make(chan registry.Handle, 4096),
		metrics:  metrics,
	}
}

// ID returns this core's index.
func (c *Core) ID() int { return c.id }

// drainIncoming moves every cross-core wake that has arrived since the
// last call onto the tail of the local ready queue (§4.4: "drained when
// that core next consults").
func (c *Core) drainIncoming() {
	for {
		select {
		case h := <-c.incoming:
			c.ready = append(c.ready, h)
		default:
			return
		}
	}
}

// Enqueue appends thread to this core's ready queue. Call this from the
// thread's home core; cross-core callers should use Scheduler.Wake
// instead, which hops through the incoming channel.
func (c *Core) Enqueue(thread registry.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = append(c.ready, thread)
	if c.metrics != nil {
		c.metrics.observeReadyDepth(c.id, len(c.ready))
	}
}

// routeFromOtherCore is the cross-core path: it never touches the ready
// slice directly, only the channel, so it needs no lock ordering with
// respect to the owning core's own goroutine.
func (c *Core) routeFromOtherCore(thread registry.Handle) {
	c.incoming <- thread
}

// PickNext selects the next thread to run (§4.4): if the current thread is
// still Ready it goes to the tail, then the head of the queue is popped and
// marked Running. Returns registry.InvalidHandle if there is nothing to run.
func (c *Core) PickNext(space *obj.Space) registry.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.drainIncoming()

	if c.current != registry.InvalidHandle {
		if t, err := space.GetThread(c.current); err == nil && t.Snapshot() == obj.ThreadReady {
			c.ready = append(c.ready, c.current)
		}
		c.current = registry.InvalidHandle
	}

	if len(c.ready) == 0 {
		cpu.Halt()
		return registry.InvalidHandle
	}

	next := c.ready[0]
	c.ready = c.ready[1:]

	if t, err := space.GetThread(next); err == nil {
		_ = t.Transition(obj.ThreadRunning)
		c.current = next
		c.quantumUsed = 0
	}

	return c.current
}

// YieldNow voluntarily moves the current thread to the tail of the ready
// queue (§4.4).
func (c *Core) YieldNow(space *obj.Space) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()

	if cur == registry.InvalidHandle {
		return
	}
	if t, err := space.GetThread(cur); err == nil {
		_ = t.Transition(obj.ThreadReady)
	}
}

// Block marks the current thread Blocked with the given reason, recording
// it so a later Wake (or timer expiry) can be validated and routed.
func (c *Core) Block(space *obj.Space, reason BlockReason) *kernel.Error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()

	if cur == registry.InvalidHandle {
		return errNotRunning
	}
	t, err := space.GetThread(cur)
	if err != nil {
		return err
	}
	if err := t.Transition(obj.ThreadBlocked); err != nil {
		return err
	}

	c.mu.Lock()
	c.waiting[cur] = waitEntry{thread: cur, reason: reason, deadline: reason.Deadline}
	c.waitOrder = append(c.waitOrder, cur)
	c.mu.Unlock()
	return nil
}

// removeFromWaitOrder deletes thread from waitOrder; caller must hold c.mu.
func (c *Core) removeFromWaitOrder(thread registry.Handle) {
	for i, h := range c.waitOrder {
		if h == thread {
			c.waitOrder = append(c.waitOrder[:i], c.waitOrder[i+1:]...)
			return
		}
	}
}

// Tick advances this core's timer by one (§4.4, §5). If the running
// thread's quantum is exhausted, it is yielded. Any waiter whose deadline
// has passed is moved back to Ready and queued on this core; the timeout
// is counted and logged but not recorded on the thread (see WakeReason).
func (c *Core) Tick(space *obj.Space, scheduler *Scheduler) {
	c.mu.Lock()
	c.tick++
	now := c.tick
	c.quantumUsed++
	exhausted := c.quantumUsed >= c.quantum
	preempted := c.current

	var expired []registry.Handle
	for h, w := range c.waiting {
		if w.deadline != 0 && w.deadline <= now {
			expired = append(expired, h)
		}
	}
	for _, h := range expired {
		delete(c.waiting, h)
		c.removeFromWaitOrder(h)
	}
	c.mu.Unlock()

	for _, h := range expired {
		c.metrics.IncTimeouts()
		kfmt.Printf("sched: core %d wait deadline expired for %s\n", c.id, h.String())
		scheduler.wakeWithReason(c, h, WakeTimedOut)
	}

	if exhausted {
		c.metrics.IncPreemptions()
		kfmt.Printf("sched: core %d preempting %s at tick %d\n", c.id, preempted.String(), now)
		c.YieldNow(space)
	}
}

// CurrentTick returns this core's local tick count.
func (c *Core) CurrentTick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}

// ReadyLen reports the number of threads currently waiting to run, used by
// tests and the FIFO-fairness property checks.
func (c *Core) ReadyLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ready)
}

// Current returns the handle of the thread this core is currently running.
func (c *Core) Current() registry.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Scheduler owns every Core and the object space threads are drawn from.
type Scheduler struct {
	space   *obj.Space
	cores   []*Core
	metrics *Metrics

	mu        sync.Mutex
	nextPlace int // round-robin cursor for initial placement
}

// New builds a Scheduler with n cores, each with the given quantum.
func New(space *obj.Space, cores int, quantum uint64, metrics *Metrics) *Scheduler {
	s := &Scheduler{space: space, metrics: metrics}
	for i := 0; i < cores; i++ {
		s.cores = append(s.cores, NewCore(i, quantum, metrics))
	}
	return s
}

// Cores returns every core under this scheduler's control.
func (s *Scheduler) Cores() []*Core { return s.cores }

// Core returns the core with the given index.
func (s *Scheduler) Core(id int) *Core { return s.cores[id] }

// PlaceNewThread assigns a freshly created thread to a core round-robin
// (§4.4: "initial placement is round-robin") and enqueues it there. It
// returns the chosen core's index, which becomes the thread's home core.
func (s *Scheduler) PlaceNewThread(thread registry.Handle) int {
	s.mu.Lock()
	core := s.cores[s.nextPlace%len(s.cores)]
	s.nextPlace++
	s.mu.Unlock()

	core.Enqueue(thread)
	return core.ID()
}

// Wake moves a Blocked thread back to Ready and routes it to its home
// core's incoming queue (§4.4). A thread that was force-terminated while
// blocked is silently skipped: the pending wake becomes a no-op via the
// state-machine's absorbing Terminated state combined with generation
// mismatch at the registry layer once its handle is reused (§4.4, §5).
func (s *Scheduler) Wake(thread registry.Handle, homeCore int) *kernel.Error {
	t, err := s.space.GetThread(thread)
	if err != nil {
		return nil
	}
	if t.Snapshot() == obj.ThreadTerminated {
		return nil
	}
	if err := t.Transition(obj.ThreadReady); err != nil {
		return err
	}

	s.removeWaitEntry(thread)
	s.metrics.IncWakes()
	s.cores[homeCore].routeFromOtherCore(thread)
	return nil
}

// wakeWithReason moves thread, whose wait entry the caller has already
// removed from core, back to Ready and queues it on core.
func (s *Scheduler) wakeWithReason(core *Core, thread registry.Handle, _ WakeReason) {
	t, err := s.space.GetThread(thread)
	if err != nil || t.Snapshot() == obj.ThreadTerminated {
		return
	}
	_ = t.Transition(obj.ThreadReady)

	core.routeFromOtherCore(thread)
}

func (s *Scheduler) removeWaitEntry(thread registry.Handle) {
	for _, c := range s.cores {
		c.mu.Lock()
		delete(c.waiting, thread)
		c.removeFromWaitOrder(thread)
		c.mu.Unlock()
	}
}

// WakeWaitersOnPort wakes the longest-waiting thread blocked on port across
// every core (§4.5: a Port's next enqueue/dequeue wakes one FIFO waiter),
// and reports whether any waiter was found.
func (s *Scheduler) WakeWaitersOnPort(port registry.Handle) bool {
	for _, c := range s.cores {
		c.mu.Lock()
		var target registry.Handle
		found := false
		for _, h := range c.waitOrder {
			if c.waiting[h].reason.PortHandle == port {
				target = h
				found = true
				break
			}
		}
		if !found {
			c.mu.Unlock()
			continue
		}
		delete(c.waiting, target)
		c.removeFromWaitOrder(target)
		c.mu.Unlock()

		if t, err := s.space.GetThread(target); err == nil && t.Snapshot() != obj.ThreadTerminated {
			_ = t.Transition(obj.ThreadReady)
			s.metrics.IncWakes()
			c.routeFromOtherCore(target)
		}
		return true
	}
	return false
}
