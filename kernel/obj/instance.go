package obj

import (
	"sync"

	"oro/kernel/mm/vmm"
	"oro/kernel/registry"

	"github.com/google/uuid"
)

// InstanceState is an Instance's lifecycle state.
type InstanceState uint8

const (
	InstanceActive InstanceState = iota
	InstanceTerminated
)

// Instance is a running incarnation of a Module (§3). It owns exactly one
// AddressSpace, zero or more Threads, and holds Token references granting
// it rights on Ports and Rings.
type Instance struct {
	mu sync.Mutex

	Ring         registry.Handle
	Module       uuid.UUID
	AddressSpace *vmm.AddressSpace

	Threads []registry.Handle
	Tokens  []registry.Handle

	State InstanceState
}

func newInstance(ring registry.Handle, moduleID uuid.UUID, addressSpace *vmm.AddressSpace) *Instance {
	return &Instance{Ring: ring, Module: moduleID, AddressSpace: addressSpace, State: InstanceActive}
}

func (i *Instance) addThread(h registry.Handle) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Threads = append(i.Threads, h)
}

func (i *Instance) addToken(h registry.Handle) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Tokens = append(i.Tokens, h)
}

func (i *Instance) snapshotThreads() []registry.Handle {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]registry.Handle(nil), i.Threads...)
}

func (i *Instance) snapshotTokens() []registry.Handle {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]registry.Handle(nil), i.Tokens...)
}

func (i *Instance) terminate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.State = InstanceTerminated
}
