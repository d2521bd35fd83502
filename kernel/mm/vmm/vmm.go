// Package vmm implements the address-space abstraction described in §4.2:
// a per-instance virtual-to-physical mapping table that shares its
// kernel-half entries by reference with every other address space and
// forks its user half via copy-on-write.
//
// The teacher's own vmm package walks a real x86 page-directory tree
// (map.go, pdt.go) reached through a recursive mapping trick -- none of
// which exists once there is no real MMU underneath a hosted `go test`
// run. This package keeps the teacher's vocabulary (Map/Unmap/Translate,
// PageTableEntryFlag, the CopyOnWrite fault-recovery path in fault.go) but
// replaces the page-table walk with a plain, lock-protected map so the same
// operations and invariants hold under a hosted runtime.
package vmm

import (
	"sync"

	"oro/kernel"
	"oro/kernel/mm"
	"oro/kernel/mm/pfa"
)

// PageFlag mirrors the teacher's PageTableEntryFlag bitmask (§4.2).
type PageFlag uint64

const (
	// FlagPresent marks a mapping as valid.
	FlagPresent PageFlag = 1 << iota
	// FlagRW permits writes. Mutually exclusive with FlagCopyOnWrite in
	// the sense that a CoW page is never also writable until resolved.
	FlagRW
	// FlagUser permits access from non-Ring-0 code.
	FlagUser
	// FlagNoExecute marks a mapping as non-executable.
	FlagNoExecute
	// FlagCopyOnWrite marks a read-only mapping whose backing frame must
	// be duplicated on the next write fault (§4.2, §7).
	FlagCopyOnWrite
	// FlagGlobal marks a mapping as present in every address space
	// (used internally for the kernel half; callers need not set it).
	FlagGlobal
)

var (
	// ErrInvalidMapping is returned by Unmap/Translate for a page with no
	// current mapping, mirroring the teacher's vmm.ErrInvalidMapping.
	ErrInvalidMapping = kernel.NewError("vmm", "address is not mapped")

	errAlreadyMapped  = kernel.NewError("vmm", "address is already mapped")
	errWriteToReadOnly = kernel.NewError("vmm", "write fault on a page with no copy-on-write entry")
)

type entry struct {
	frame mm.Frame
	flags PageFlag
}

// KernelHalf is the set of page-table entries shared by reference across
// every AddressSpace (§4.2: "kernel-shared top-level entries shared by
// reference across all address spaces"). Ring 0 installs the kernel image,
// the linear map and any device mappings into a single KernelHalf once at
// boot; every AddressSpace thereafter is constructed against it.
type KernelHalf struct {
	mu      sync.RWMutex
	entries map[mm.Page]entry
}

// NewKernelHalf returns an empty, ready-to-populate KernelHalf.
func NewKernelHalf() *KernelHalf {
	return &KernelHalf{entries: make(map[mm.Page]entry)}
}

// Map installs a mapping visible to every AddressSpace built against this
// KernelHalf. Intended for use during Ring-0 bring-up only.
func (k *KernelHalf) Map(page mm.Page, frame mm.Frame, flags PageFlag) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries[page] = entry{frame: frame, flags: flags | FlagPresent | FlagGlobal}
}

func (k *KernelHalf) lookup(page mm.Page) (entry, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.entries[page]
	return e, ok
}

// refCounts tracks how many AddressSpaces reference a given user-half
// frame. It exists only because Clone shares frames copy-on-write between
// parent and child: without it, Drop on either sibling would free a frame
// the other still maps. A freshly created (non-cloned) AddressSpace never
// touches it -- every frame it owns has an implicit refcount of one, freed
// unconditionally on Drop.
type refCounts struct {
	mu     sync.Mutex
	counts map[mm.Frame]uint32
}

func newRefCounts() *refCounts {
	return &refCounts{counts: make(map[mm.Frame]uint32)}
}

func (r *refCounts) retain(f mm.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.counts[f]; !ok {
		// The first share also counts the implicit reference the
		// original holder already had.
		r.counts[f] = 1
	}
	r.counts[f]++
}

// release drops one reference and reports whether the caller now holds the
// last one (i.e. it is safe to free the frame).
func (r *refCounts) release(f mm.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counts[f]
	if !ok || c <= 1 {
		delete(r.counts, f)
		return true
	}
	r.counts[f] = c - 1
	return false
}

// AddressSpace is one Instance's virtual memory mapping (§3 "Address
// space", §4.2). The zero value is not usable; build one with NewEmpty.
type AddressSpace struct {
	mu   sync.RWMutex
	user map[mm.Page]entry

	kernel *KernelHalf
	pfa    *pfa.Allocator
	refs   *refCounts

	dropped bool
}

// NewEmpty creates a fresh AddressSpace with no user-half mappings,
// sharing kernel the way every sibling AddressSpace in the system does.
func NewEmpty(allocator *pfa.Allocator, kernel *KernelHalf) *AddressSpace {
	return &AddressSpace{
		user:   make(map[mm.Page]entry),
		kernel: kernel,
		pfa:    allocator,
		refs:   newRefCounts(),
	}
}

// Map establishes a mapping for page in this address space's user half.
// Mapping into the kernel half must go through KernelHalf.Map instead;
// attempting to Map a kernel-half page here returns ErrInvalidMapping.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageFlag) *kernel.Error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.dropped {
		return kernel.NewError("vmm", "address space has been dropped")
	}
	if _, ok := as.kernel.lookup(page); ok {
		return ErrInvalidMapping
	}
	if _, exists := as.user[page]; exists {
		return errAlreadyMapped
	}

	as.user[page] = entry{frame: frame, flags: flags | FlagPresent}
	return nil
}

// Unmap removes a user-half mapping and releases the frame it pointed to
// back to the allocator once no sibling AddressSpace (from a prior Clone)
// still references it. It returns only an error; the unmapped frame is not
// returned to the caller.
func (as *AddressSpace) Unmap(page mm.Page) *kernel.Error {
	as.mu.Lock()
	defer as.mu.Unlock()

	e, ok := as.user[page]
	if !ok {
		return ErrInvalidMapping
	}
	delete(as.user, page)

	if as.refs.release(e.frame) {
		return as.pfa.Free(e.frame.Address())
	}
	return nil
}

// Translate resolves a virtual page to its physical frame and current
// flags, consulting the kernel half first since kernel-half lookups never
// need the per-AddressSpace lock.
func (as *AddressSpace) Translate(page mm.Page) (mm.Frame, PageFlag, *kernel.Error) {
	if e, ok := as.kernel.lookup(page); ok {
		return e.frame, e.flags, nil
	}

	as.mu.RLock()
	defer as.mu.RUnlock()
	if e, ok := as.user[page]; ok {
		return e.frame, e.flags, nil
	}
	return mm.InvalidFrame, 0, ErrInvalidMapping
}

// HandleFault resolves a page fault at addr the way the teacher's
// pageFaultHandler does for CoW pages (fault.go): a write fault against a
// read-only, CopyOnWrite-flagged mapping duplicates the frame, installs the
// copy with RW access and clears CopyOnWrite; any other fault is
// unrecoverable and is returned to the caller (§7: a fatal fault terminates
// the owning thread, it never panics the kernel here).
func (as *AddressSpace) HandleFault(addr mm.Virt, isWrite bool) *kernel.Error {
	page := addr.Page()

	as.mu.Lock()
	defer as.mu.Unlock()

	e, ok := as.user[page]
	if !ok {
		return ErrInvalidMapping
	}
	if !isWrite || e.flags&FlagCopyOnWrite == 0 {
		return errWriteToReadOnly
	}

	newFrame, err := as.pfa.Alloc()
	if err != nil {
		return err
	}
	as.pfa.CopyFrame(newFrame, e.frame.Address())

	if as.refs.release(e.frame) {
		_ = as.pfa.Free(e.frame.Address())
	}

	as.user[page] = entry{
		frame: newFrame.Frame(),
		flags: (e.flags | FlagRW) &^ FlagCopyOnWrite,
	}
	return nil
}

// Clone forks this AddressSpace for an Instance fork (§3): the kernel half
// is shared by reference, and every user-half mapping is duplicated into
// the child with FlagRW cleared and FlagCopyOnWrite set on both the parent
// and the child's copy of the entry, so the first write on either side
// triggers HandleFault to split the frame.
func (as *AddressSpace) Clone() (*AddressSpace, *kernel.Error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.dropped {
		return nil, kernel.NewError("vmm", "cannot clone a dropped address space")
	}

	child := &AddressSpace{
		user:   make(map[mm.Page]entry, len(as.user)),
		kernel: as.kernel,
		pfa:    as.pfa,
		refs:   as.refs,
	}

	for page, e := range as.user {
		cowFlags := (e.flags &^ FlagRW) | FlagCopyOnWrite
		as.user[page] = entry{frame: e.frame, flags: cowFlags}
		child.user[page] = entry{frame: e.frame, flags: cowFlags}
		as.refs.retain(e.frame)
	}

	return child, nil
}

// Drop tears down this address space, freeing every user-half frame it
// still holds an exclusive reference to. The kernel half is never touched:
// its entries outlive any single AddressSpace (§4.2).
func (as *AddressSpace) Drop() *kernel.Error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.dropped {
		return nil
	}
	as.dropped = true

	var firstErr *kernel.Error
	for page, e := range as.user {
		delete(as.user, page)
		if as.refs.release(e.frame) {
			if err := as.pfa.Free(e.frame.Address()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// MappedPageCount reports the number of user-half pages currently mapped,
// used by tests and instrumentation.
func (as *AddressSpace) MappedPageCount() int {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return len(as.user)
}

// translateForCopy resolves page the same way Translate does but also
// requires FlagUser, since ReadAt/WriteAt exist only to service syscall
// pointer arguments from user memory (§4.5).
func (as *AddressSpace) translateForCopy(page mm.Page) (mm.Frame, *kernel.Error) {
	frame, flags, err := as.Translate(page)
	if err != nil {
		return mm.InvalidFrame, err
	}
	if flags&FlagUser == 0 {
		return mm.InvalidFrame, ErrInvalidMapping
	}
	return frame, nil
}

// ReadAt copies length bytes out of user memory starting at addr,
// translating and validating one page at a time (§4.5: "pointer arguments
// into user memory are validated by translate per page touched and are
// copied in/out, never retained past the syscall boundary").
func (as *AddressSpace) ReadAt(addr mm.Virt, length int) ([]byte, *kernel.Error) {
	out := make([]byte, 0, length)
	cursor := addr
	remaining := length

	for remaining > 0 {
		page := cursor.Page()
		frame, err := as.translateForCopy(page)
		if err != nil {
			return nil, err
		}

		pageOff := int(cursor) - int(page.Address())
		n := int(mm.PageSize) - pageOff
		if n > remaining {
			n = remaining
		}

		out = append(out, as.pfa.FrameBytes(frame.Address())[pageOff:pageOff+n]...)
		cursor = mm.Virt(int(cursor) + n)
		remaining -= n
	}
	return out, nil
}

// WriteAt copies data into user memory starting at addr, one page at a
// time, mirroring ReadAt.
func (as *AddressSpace) WriteAt(addr mm.Virt, data []byte) *kernel.Error {
	cursor := addr
	remaining := len(data)

	for remaining > 0 {
		page := cursor.Page()
		frame, err := as.translateForCopy(page)
		if err != nil {
			return err
		}

		pageOff := int(cursor) - int(page.Address())
		n := int(mm.PageSize) - pageOff
		if n > remaining {
			n = remaining
		}

		copy(as.pfa.FrameBytes(frame.Address())[pageOff:pageOff+n], data[:n])
		data = data[n:]
		cursor = mm.Virt(int(cursor) + n)
		remaining -= n
	}
	return nil
}
