package registry

import (
	"oro/kernel"
	orosync "oro/kernel/sync"
)

var (
	// ErrStaleHandle is returned whenever a Handle's generation does not
	// match the slot's current occupant -- the slot was freed (and,
	// under the reuse-tombs policy, possibly reassigned) since the
	// handle was issued.
	ErrStaleHandle = kernel.NewError("registry", "stale handle")

	// ErrTableFull is returned when a kind's table has exhausted its
	// 24-bit slot space.
	ErrTableFull = kernel.NewError("registry", "table full")

	errBadKind = kernel.NewError("registry", "unknown object kind")
)

type slot struct {
	generation uint32
	occupied   bool
	value      any
}

type table struct {
	mu         orosync.TicketLock
	slots      []slot
	tombs      []uint32 // free slot indices available for reuse, only populated when reuseTombs is set
	reuseTombs bool
}

func (t *table) insert(value any) (uint32, uint32, *kernel.Error) {
	t.mu.Acquire()
	defer t.mu.Release()

	if t.reuseTombs && len(t.tombs) > 0 {
		idx := t.tombs[len(t.tombs)-1]
		t.tombs = t.tombs[:len(t.tombs)-1]
		s := &t.slots[idx]
		s.occupied = true
		s.value = value
		return idx, s.generation, nil
	}

	if uint64(len(t.slots)) >= MaxSlots {
		return 0, 0, ErrTableFull
	}

	idx := uint32(len(t.slots))
	// Generation starts at 1, not 0: it is the only thing distinguishing
	// a freshly issued handle from the reserved all-zero InvalidHandle
	// value when kind and slot are both 0 (the first insert into the
	// first table). remove() only ever increments from here, so 0 is
	// never seen again for this slot.
	t.slots = append(t.slots, slot{occupied: true, value: value, generation: 1})
	return idx, 1, nil
}

func (t *table) get(slotIdx uint32, generation uint32) (any, *kernel.Error) {
	t.mu.Acquire()
	defer t.mu.Release()

	if int(slotIdx) >= len(t.slots) {
		return nil, ErrStaleHandle
	}
	s := &t.slots[slotIdx]
	if !s.occupied || s.generation != generation {
		return nil, ErrStaleHandle
	}
	return s.value, nil
}

func (t *table) remove(slotIdx uint32, generation uint32) *kernel.Error {
	t.mu.Acquire()
	defer t.mu.Release()

	if int(slotIdx) >= len(t.slots) {
		return ErrStaleHandle
	}
	s := &t.slots[slotIdx]
	if !s.occupied || s.generation != generation {
		return ErrStaleHandle
	}

	s.occupied = false
	s.value = nil
	// Bump the generation whether or not the slot is ever reused: under
	// the tombstone-by-default policy the slot index is simply never
	// handed out again, so this is defense in depth; under reuse-tombs
	// it is the only thing standing between a recycled slot and an ABA
	// collision with a stale handle.
	s.generation++

	if t.reuseTombs {
		t.tombs = append(t.tombs, slotIdx)
	}
	return nil
}

func (t *table) count() (occupied int, total int) {
	t.mu.Acquire()
	defer t.mu.Release()
	for i := range t.slots {
		if t.slots[i].occupied {
			occupied++
		}
	}
	return occupied, len(t.slots)
}

// Registry is the global object registry (§4.3). The zero value is not
// usable; construct one with New.
type Registry struct {
	tables [kindCount]*table
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithTombReuse controls whether a removed slot's index becomes eligible
// for reuse by a later Insert of the same kind. It defaults to false
// (tombstone-by-default, §4.3): every handle, once stale, stays stale
// forever, which is the simpler and safer policy. Passing true trades that
// simplicity for bounded table growth under high churn, relying entirely on
// the generation counter to keep reused slots ABA-safe.
func WithTombReuse(enabled bool) Option {
	return func(r *Registry) {
		for _, t := range r.tables {
			t.reuseTombs = enabled
		}
	}
}

// New constructs an empty Registry with one independently-locked table per
// object kind (§4.3: "per-kind independently locked tables").
func New(opts ...Option) *Registry {
	r := &Registry{}
	for i := range r.tables {
		r.tables[i] = &table{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) tableFor(kind Kind) (*table, *kernel.Error) {
	if kind >= kindCount {
		return nil, errBadKind
	}
	return r.tables[kind], nil
}

// Insert stores value under a freshly issued handle of the given kind.
func (r *Registry) Insert(kind Kind, value any) (Handle, *kernel.Error) {
	t, err := r.tableFor(kind)
	if err != nil {
		return InvalidHandle, err
	}
	slotIdx, generation, err := t.insert(value)
	if err != nil {
		return InvalidHandle, err
	}
	return newHandle(kind, slotIdx, generation), nil
}

// Get resolves a handle to its stored value. It fails with ErrStaleHandle
// if the handle's generation no longer matches the slot's occupant.
func (r *Registry) Get(h Handle) (any, *kernel.Error) {
	t, err := r.tableFor(h.Kind())
	if err != nil {
		return nil, err
	}
	return t.get(h.Slot(), h.Generation())
}

// Remove retires the object a handle names. A subsequent Get (or Remove) of
// the same handle, or of any handle sharing its slot but an older
// generation, returns ErrStaleHandle.
func (r *Registry) Remove(h Handle) *kernel.Error {
	t, err := r.tableFor(h.Kind())
	if err != nil {
		return err
	}
	return t.remove(h.Slot(), h.Generation())
}

// KindStats reports the live-object and total-slot count for one kind.
type KindStats struct {
	Kind     Kind
	Occupied int
	Total    int
}

// Stats returns a point-in-time snapshot across every kind. No metrics
// collector in this repository reads it.
func (r *Registry) Stats() []KindStats {
	stats := make([]KindStats, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		occupied, total := r.tables[k].count()
		stats = append(stats, KindStats{Kind: k, Occupied: occupied, Total: total})
	}
	return stats
}
