package obj

import (
	"oro/kernel"
	"oro/kernel/kfmt"
	"oro/kernel/mm/pfa"
	"oro/kernel/mm/vmm"
	"oro/kernel/registry"

	"github.com/google/uuid"
)

var (
	errWrongKind  = kernel.NewError("obj", "handle does not name the expected kind")
	errRingDepth  = kernel.NewError("obj", "ring tree depth exceeded")
	errTerminated = kernel.NewError("obj", "object has been terminated")
)

// Space wires the Registry, ModuleStore and address-space machinery
// together into the operations §3/§4.3 describe: creating and destroying
// Rings, Instances, Threads, Ports and Tokens, all addressed only by
// registry.Handle per §9's "arena-of-handles" design.
type Space struct {
	Registry *registry.Registry
	Modules  *ModuleStore

	pfa        *pfa.Allocator
	kernelHalf *vmm.KernelHalf

	rootRing registry.Handle
}

// NewSpace constructs an empty object space backed by the given physical
// frame allocator and shared kernel-half address-space template.
func NewSpace(allocator *pfa.Allocator, kernelHalf *vmm.KernelHalf) *Space {
	return &Space{
		Registry:   registry.New(),
		Modules:    NewModuleStore(),
		pfa:        allocator,
		kernelHalf: kernelHalf,
	}
}

func (s *Space) ring(h registry.Handle) (*Ring, *kernel.Error) {
	v, err := s.Registry.Get(h)
	if err != nil {
		return nil, err
	}
	r, ok := v.(*Ring)
	if !ok {
		return nil, errWrongKind
	}
	return r, nil
}

func (s *Space) instance(h registry.Handle) (*Instance, *kernel.Error) {
	v, err := s.Registry.Get(h)
	if err != nil {
		return nil, err
	}
	i, ok := v.(*Instance)
	if !ok {
		return nil, errWrongKind
	}
	return i, nil
}

func (s *Space) thread(h registry.Handle) (*Thread, *kernel.Error) {
	v, err := s.Registry.Get(h)
	if err != nil {
		return nil, err
	}
	t, ok := v.(*Thread)
	if !ok {
		return nil, errWrongKind
	}
	return t, nil
}

func (s *Space) port(h registry.Handle) (*Port, *kernel.Error) {
	v, err := s.Registry.Get(h)
	if err != nil {
		return nil, err
	}
	p, ok := v.(*Port)
	if !ok {
		return nil, errWrongKind
	}
	return p, nil
}

// GetRing resolves h to a live Ring, re-checked fresh on every call since
// long-lived references across suspension points are not permitted (§4.3).
func (s *Space) GetRing(h registry.Handle) (*Ring, *kernel.Error) { return s.ring(h) }

// GetInstance resolves h to a live Instance.
func (s *Space) GetInstance(h registry.Handle) (*Instance, *kernel.Error) { return s.instance(h) }

// GetThread resolves h to a live Thread.
func (s *Space) GetThread(h registry.Handle) (*Thread, *kernel.Error) { return s.thread(h) }

// GetPort resolves h to a live Port.
func (s *Space) GetPort(h registry.Handle) (*Port, *kernel.Error) { return s.port(h) }

// GetToken resolves h to a live Token.
func (s *Space) GetToken(h registry.Handle) (*Token, *kernel.Error) {
	v, err := s.Registry.Get(h)
	if err != nil {
		return nil, err
	}
	tok, ok := v.(*Token)
	if !ok {
		return nil, errWrongKind
	}
	return tok, nil
}

// CreateRootRing creates Ring 0, the root of the tree (§3).
func (s *Space) CreateRootRing() (registry.Handle, *kernel.Error) {
	h, err := s.Registry.Insert(registry.KindRing, newRing(registry.InvalidHandle, 0))
	if err != nil {
		return registry.InvalidHandle, err
	}
	s.rootRing = h
	return h, nil
}

// InRootRing reports whether instance was spawned directly into Ring 0,
// the trusted domain that mints every Token in the system (§4.5 step 3,
// §7's instance_fault and §4.6's framebuffer Port are both Ring-0-owned
// for the same reason). A Ring-0 Instance needs no Token to act on any
// handle it presents.
func (s *Space) InRootRing(instance registry.Handle) bool {
	inst, err := s.instance(instance)
	if err != nil {
		return false
	}
	return inst.Ring == s.rootRing
}

// HasToken reports whether holder's Instance currently holds a live Token
// granting right on target (§3: "the Registry validates generation +
// holder identity + requested right").
func (s *Space) HasToken(holder registry.Handle, right Right, target registry.Handle) bool {
	inst, err := s.instance(holder)
	if err != nil {
		return false
	}
	for _, h := range inst.snapshotTokens() {
		tv, terr := s.Registry.Get(h)
		if terr != nil {
			continue
		}
		tok, ok := tv.(*Token)
		if !ok {
			continue
		}
		if tok.Right == right && tok.Target == target {
			return true
		}
	}
	return false
}

// Authorize implements §4.5 step 3's capability check for a syscall
// acting on an object the caller does not itself own: the calling
// Instance must either live in Ring 0 or hold a Token granting right on
// target.
func (s *Space) Authorize(caller registry.Handle, right Right, target registry.Handle) bool {
	return s.InRootRing(caller) || s.HasToken(caller, right, target)
}

// OwnsOrRoot reports whether caller is itself target, or lives in Ring 0.
// Acting on one's own objects (e.g. creating a Thread in one's own
// Instance) never needs a Token (§4.5 step 3).
func (s *Space) OwnsOrRoot(caller, target registry.Handle) bool {
	return caller == target || s.InRootRing(caller)
}

// CreateRing creates a child Ring under parent (§6 RING_CREATE).
func (s *Space) CreateRing(parent registry.Handle) (registry.Handle, *kernel.Error) {
	parentRing, err := s.ring(parent)
	if err != nil {
		return registry.InvalidHandle, err
	}
	parentRing.mu.Lock()
	if parentRing.State != RingActive {
		parentRing.mu.Unlock()
		return registry.InvalidHandle, errTerminated
	}
	depth := parentRing.Depth + 1
	parentRing.mu.Unlock()

	if depth > MaxRingDepth {
		return registry.InvalidHandle, errRingDepth
	}

	h, err := s.Registry.Insert(registry.KindRing, newRing(parent, depth))
	if err != nil {
		return registry.InvalidHandle, err
	}
	parentRing.addChild(h)
	return h, nil
}

// SpawnInstance creates an Instance of moduleID inside ring, with a fresh
// AddressSpace built against the shared kernel half (§6 INSTANCE_SPAWN).
func (s *Space) SpawnInstance(ring registry.Handle, moduleID uuid.UUID) (registry.Handle, *kernel.Error) {
	r, err := s.ring(ring)
	if err != nil {
		return registry.InvalidHandle, err
	}
	if _, err := s.Modules.Get(moduleID); err != nil {
		return registry.InvalidHandle, err
	}
	r.mu.Lock()
	active := r.State == RingActive
	r.mu.Unlock()
	if !active {
		return registry.InvalidHandle, errTerminated
	}

	addressSpace := vmm.NewEmpty(s.pfa, s.kernelHalf)
	h, err := s.Registry.Insert(registry.KindInstance, newInstance(ring, moduleID, addressSpace))
	if err != nil {
		return registry.InvalidHandle, err
	}
	r.addInstance(h)
	return h, nil
}

// CreateThread creates a Thread bound to instance (§6 THREAD_CREATE).
func (s *Space) CreateThread(instance registry.Handle, entryIP, entrySP uintptr, homeCore int) (registry.Handle, *kernel.Error) {
	inst, err := s.instance(instance)
	if err != nil {
		return registry.InvalidHandle, err
	}
	inst.mu.Lock()
	active := inst.State == InstanceActive
	inst.mu.Unlock()
	if !active {
		return registry.InvalidHandle, errTerminated
	}

	h, err := s.Registry.Insert(registry.KindThread, newThread(instance, entryIP, entrySP, homeCore))
	if err != nil {
		return registry.InvalidHandle, err
	}
	inst.addThread(h)
	return h, nil
}

// CreatePort creates a Port of the given type/size/depth. The Port records
// no owning Instance or Ring; access to it is granted through Tokens (§3).
func (s *Space) CreatePort(typeID uuid.UUID, slotSize, depth int) (registry.Handle, *kernel.Error) {
	return s.Registry.Insert(registry.KindPort, NewPort(typeID, slotSize, depth))
}

// IssueToken mints a Token granting right on target to holder, and records
// it against holder. DestroyRing and DestroyInstance do not revoke Tokens
// recorded this way, and no other call revokes a Token.
func (s *Space) IssueToken(holder registry.Handle, right Right, target registry.Handle) (registry.Handle, *kernel.Error) {
	h, err := s.Registry.Insert(registry.KindToken, &Token{Holder: holder, Right: right, Target: target})
	if err != nil {
		return registry.InvalidHandle, err
	}

	if inst, ierr := s.instance(holder); ierr == nil {
		inst.addToken(h)
	} else if r, rerr := s.ring(holder); rerr == nil {
		r.addToken(h)
	}
	return h, nil
}

// AttachPort binds a Token's holder to a Port role, validating that the
// Token actually grants the requested right on that Port (§3: "the
// Registry validates generation + holder identity + requested right").
func (s *Space) AttachPort(portHandle, tokenHandle registry.Handle) *kernel.Error {
	p, err := s.port(portHandle)
	if err != nil {
		return err
	}
	tv, err := s.Registry.Get(tokenHandle)
	if err != nil {
		return err
	}
	tok, ok := tv.(*Token)
	if !ok {
		return errWrongKind
	}
	if tok.Target != portHandle {
		return kernel.NewError("obj", "token does not grant a right on this port")
	}

	var role Role
	switch tok.Right {
	case RightPortSend:
		role = RoleProducer
	case RightPortRecv:
		role = RoleConsumer
	default:
		return kernel.NewError("obj", "token does not grant a port role")
	}

	return p.Attach(role, tokenHandle)
}

// TerminateThread force-moves a Thread to Terminated (§5 cancellation).
func (s *Space) TerminateThread(h registry.Handle) *kernel.Error {
	t, err := s.thread(h)
	if err != nil {
		return err
	}
	return t.Transition(ThreadTerminated)
}

// DestroyRing cascades §3's "Destroying a Ring cascades": every descendant
// Ring and every Instance (and its Threads) transitions to Terminated, and
// every handle pointing at any of them becomes Stale on its next Get/Remove.
func (s *Space) DestroyRing(h registry.Handle) *kernel.Error {
	r, err := s.ring(h)
	if err != nil {
		return err
	}

	children, instances := r.snapshot()

	for _, child := range children {
		if err := s.DestroyRing(child); err != nil {
			return err
		}
	}
	for _, instHandle := range instances {
		if err := s.DestroyInstance(instHandle); err != nil {
			return err
		}
	}

	r.terminate()
	err = s.Registry.Remove(h)
	kfmt.Printf("obj: ring %s destroyed, %d children %d instances cascaded\n", h.String(), len(children), len(instances))
	return err
}

// DestroyInstance terminates an Instance and every Thread it owns, then
// drops its AddressSpace and retires its registry slot.
func (s *Space) DestroyInstance(h registry.Handle) *kernel.Error {
	inst, err := s.instance(h)
	if err != nil {
		return err
	}

	for _, threadHandle := range inst.snapshotThreads() {
		if t, terr := s.thread(threadHandle); terr == nil {
			_ = t.Transition(ThreadTerminated)
		}
		_ = s.Registry.Remove(threadHandle)
	}

	inst.terminate()
	if inst.AddressSpace != nil {
		_ = inst.AddressSpace.Drop()
	}
	err = s.Registry.Remove(h)
	kfmt.Printf("obj: instance %s destroyed\n", h.String())
	return err
}
