package sync

import "sync/atomic"

// TicketLock is a fair mutex: waiters are served in the order they arrived,
// which is what the PFA's single global free-list lock (§4.1) wants once it
// is contended by more than a couple of cores -- an ordinary CAS spinlock can
// starve a waiter indefinitely under sustained contention from other cores.
type TicketLock struct {
	nowServing uint64
	nextTicket uint64
}

// Acquire blocks until this caller's ticket is being served.
func (t *TicketLock) Acquire() {
	my := atomic.AddUint64(&t.nextTicket, 1) - 1
	for atomic.LoadUint64(&t.nowServing) != my {
		yieldFn()
	}
}

// Release serves the next waiting ticket.
func (t *TicketLock) Release() {
	atomic.AddUint64(&t.nowServing, 1)
}
