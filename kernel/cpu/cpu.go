// Package cpu exposes the small set of CPU-level operations the rest of the
// core needs: halting, interrupt masking, TLB invalidation and the active
// page-table-root register. Real bring-up of these primitives is
// architecture-specific (a handful of assembly instructions per §1 of the
// design) and is deliberately kept outside this repository; what lives here
// is the capability-set interface (§9 "Polymorphism over capability sets")
// plus a hosted implementation good enough to run the core under `go test`
// without any real hardware underneath.
package cpu

import "sync/atomic"

// Ops is the capability set an architecture backend must provide. Real
// backends (x86_64, AArch64) implement Ops with a handful of assembly
// instructions; this package ships only the hosted fake used by tests and by
// any caller that does not need genuine hardware access.
type Ops interface {
	// EnableInterrupts unmasks maskable interrupts on the calling core.
	EnableInterrupts()

	// DisableInterrupts masks maskable interrupts on the calling core.
	DisableInterrupts()

	// Halt stops instruction execution on the calling core until the next
	// interrupt. Used by the idle loop and by kfmt.Panic.
	Halt()

	// FlushTLBEntry invalidates any cached translation for virt on the
	// calling core.
	FlushTLBEntry(virt uintptr)

	// SwitchPDT installs physAddr as the root of the active page-table
	// hierarchy for the calling core.
	SwitchPDT(physAddr uintptr)

	// ActivePDT returns the physical address of the currently active
	// page-table root.
	ActivePDT() uintptr

	// ReadCR2 returns the faulting address recorded by the last page
	// fault on the calling core (x86_64 naming kept for familiarity;
	// AArch64 backends return FAR_ELx here).
	ReadCR2() uintptr
}

// Current is the Ops implementation used by the rest of the core. It
// defaults to a hosted fake; a real boot path replaces it exactly once,
// before releasing the other cores (§9 "one-shot initialization barrier").
var Current Ops = &Hosted{}

// Halt stops instruction execution via Current.
func Halt() { Current.Halt() }

// EnableInterrupts unmasks interrupts via Current.
func EnableInterrupts() { Current.EnableInterrupts() }

// DisableInterrupts masks interrupts via Current.
func DisableInterrupts() { Current.DisableInterrupts() }

// FlushTLBEntry invalidates virt via Current.
func FlushTLBEntry(virt uintptr) { Current.FlushTLBEntry(virt) }

// SwitchPDT installs physAddr as the active page-table root via Current.
func SwitchPDT(physAddr uintptr) { Current.SwitchPDT(physAddr) }

// ActivePDT returns the active page-table root physical address via Current.
func ActivePDT() uintptr { return Current.ActivePDT() }

// ReadCR2 returns the last recorded fault address via Current.
func ReadCR2() uintptr { return Current.ReadCR2() }

// Hosted is a software-only Ops implementation. Halt records a flag and
// returns instead of stopping the physical CPU, interrupt
// masking is tracked as a plain flag, and TLB/PDT state is just bookkeeping
// -- there is no real MMU to program. It exists so that the vmm, sched and
// syscall packages can be exercised end to end without an architecture
// backend.
type Hosted struct {
	interruptsEnabled int32
	activePDT         uintptr
	lastFault         uintptr
	halted            int32
}

// EnableInterrupts implements Ops.
func (h *Hosted) EnableInterrupts() { atomic.StoreInt32(&h.interruptsEnabled, 1) }

// DisableInterrupts implements Ops.
func (h *Hosted) DisableInterrupts() { atomic.StoreInt32(&h.interruptsEnabled, 0) }

// InterruptsEnabled reports whether this fake currently has interrupts
// unmasked; used by tests that assert on the enable/disable sequencing the
// syscall router and scheduler rely on.
func (h *Hosted) InterruptsEnabled() bool { return atomic.LoadInt32(&h.interruptsEnabled) != 0 }

// Halt marks the fake as halted. Unlike real hardware it returns immediately;
// callers that need "halt until next tick" semantics (the idle loop) should
// block on their own condition instead of relying on this to park the
// goroutine.
func (h *Hosted) Halt() { atomic.StoreInt32(&h.halted, 1) }

// Halted reports whether Halt has ever been called on h; used by
// panic-path tests.
func (h *Hosted) Halted() bool { return atomic.LoadInt32(&h.halted) != 0 }

// FlushTLBEntry implements Ops. The hosted fake has no TLB to flush.
func (h *Hosted) FlushTLBEntry(_ uintptr) {}

// SwitchPDT implements Ops.
func (h *Hosted) SwitchPDT(physAddr uintptr) { atomic.StoreUintptr(&h.activePDT, physAddr) }

// ActivePDT implements Ops.
func (h *Hosted) ActivePDT() uintptr { return atomic.LoadUintptr(&h.activePDT) }

// ReadCR2 implements Ops.
func (h *Hosted) ReadCR2() uintptr { return atomic.LoadUintptr(&h.lastFault) }

// SetFault is a test/handler hook for simulating a page fault at addr.
func (h *Hosted) SetFault(addr uintptr) { atomic.StoreUintptr(&h.lastFault, addr) }
