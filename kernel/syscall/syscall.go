// Package syscall implements the arch-neutral syscall router described in
// §4.5/§6: a fixed opcode table dispatching into kernel/obj and
// kernel/sched, with handle and pointer validation performed centrally so
// no opcode handler has to repeat it.
//
// The request/response shape mirrors the teacher's own arch/amd64 trap
// frame convention (a small, fixed register set in, a small fixed register
// set out) even though this repository carries no arch-specific trap
// handling of its own -- Request/Response stand in for whatever register
// file an arch backend would marshal to and from.
package syscall

import (
	"encoding/binary"

	"oro/kernel"
	"oro/kernel/kfmt"
	"oro/kernel/mm"
	"oro/kernel/obj"
	"oro/kernel/registry"
	"oro/kernel/sched"

	"github.com/google/uuid"
)

// Opcode identifies a syscall operation (§6).
type Opcode uint64

const (
	RingCreate    Opcode = 0x0001
	InstanceSpawn Opcode = 0x0002
	ThreadCreate  Opcode = 0x0003
	PortCreate    Opcode = 0x0010
	PortSend      Opcode = 0x0011
	PortRecv      Opcode = 0x0012
	TokenIssue    Opcode = 0x0013
	PortAttach    Opcode = 0x0014
	Wait          Opcode = 0x0020
	Yield         Opcode = 0x0021
	Self          Opcode = 0x00F0
)

// Errno is the stable error-code space returned to a caller (§6).
type Errno uint64

const (
	Ok Errno = iota
	BadHandle
	Stale
	WrongKind
	NoPerm
	WouldBlock
	TimedOut
	OutOfMemory
	BadOpcode
	Exists
	NotFound
	InvalidArg
	Fault
)

// Request is the decoded register file a syscall trap hands the router
// (§6: "opcode (u64), arg0..arg3 (u64)").
type Request struct {
	Opcode                 Opcode
	Arg0, Arg1, Arg2, Arg3 uint64
}

// Response is the 16-byte packed result returned to the caller (§6).
type Response struct {
	Error Errno
	Value uint64
}

func errResponse(e Errno) Response { return Response{Error: e} }

func okResponse(v uint64) Response { return Response{Error: Ok, Value: v} }

// uuidFromHalves reassembles a 128-bit UUID from the lo/hi 64-bit halves
// the ABI passes across two argument registers (§6 INSTANCE_SPAWN,
// PORT_CREATE).
func uuidFromHalves(lo, hi uint64) uuid.UUID {
	var id uuid.UUID
	binary.BigEndian.PutUint64(id[0:8], hi)
	binary.BigEndian.PutUint64(id[8:16], lo)
	return id
}

// packSlotSizeDepthRole packs PORT_CREATE's slot_size/depth/role fields
// into arg2/arg3: the opcode table names five logical fields (type_id_lo,
// type_id_hi, slot_size, depth, role) but the ABI carries only four
// argument registers, so role is folded into the low byte alongside depth.
// This is an ABI packing decision, not a semantic one -- see DESIGN.md.
func packSlotSizeDepthRole(slotSize, depth uint32, role obj.Role) (arg2, arg3 uint64) {
	return uint64(slotSize), uint64(depth)<<8 | uint64(role)
}

func unpackSlotSizeDepthRole(arg2, arg3 uint64) (slotSize, depth int, role obj.Role) {
	return int(uint32(arg2)), int(uint32(arg3 >> 8)), obj.Role(uint8(arg3))
}

// Router dispatches decoded syscall requests against an object space and
// scheduler (§4.5).
type Router struct {
	space     *obj.Space
	scheduler *sched.Scheduler
}

// New builds a Router over the given object space and scheduler.
func New(space *obj.Space, scheduler *sched.Scheduler) *Router {
	return &Router{space: space, scheduler: scheduler}
}

// Handle decodes and executes one syscall on behalf of the thread
// currently running on core (§4.5 steps 1-5). Step 3, the capability
// check, is performed here before dispatch for every opcode that names a
// target object the caller does not inherently own: the calling
// Instance must either live in Ring 0 or hold a Token granting the right
// that opcode requires on that target, or the call fails with NoPerm
// before its handler ever runs. Unknown opcodes return BadOpcode.
func (r *Router) Handle(core *sched.Core, req Request) Response {
	caller := core.Current()
	if caller == registry.InvalidHandle {
		return errResponse(Fault)
	}
	callerThread, err := r.space.GetThread(caller)
	if err != nil {
		return errResponse(Fault)
	}

	switch req.Opcode {
	case RingCreate:
		parent := registry.Handle(req.Arg0)
		if !r.space.Authorize(callerThread.Instance, obj.RightRingSpawn, parent) {
			return errResponse(NoPerm)
		}
		return r.ringCreate(req)
	case InstanceSpawn:
		ring := registry.Handle(req.Arg0)
		if !r.space.Authorize(callerThread.Instance, obj.RightRingSpawn, ring) {
			return errResponse(NoPerm)
		}
		return r.instanceSpawn(req)
	case ThreadCreate:
		instance := registry.Handle(req.Arg0)
		if !r.space.OwnsOrRoot(callerThread.Instance, instance) {
			return errResponse(NoPerm)
		}
		return r.threadCreate(req, core)
	case PortCreate:
		return r.portCreate(req, callerThread)
	case PortSend:
		portHandle := registry.Handle(req.Arg0)
		if !r.space.Authorize(callerThread.Instance, obj.RightPortSend, portHandle) {
			return errResponse(NoPerm)
		}
		return r.portSend(callerThread, req)
	case PortRecv:
		portHandle := registry.Handle(req.Arg0)
		if !r.space.Authorize(callerThread.Instance, obj.RightPortRecv, portHandle) {
			return errResponse(NoPerm)
		}
		return r.portRecv(callerThread, req)
	case TokenIssue:
		return r.tokenIssue(callerThread, req)
	case PortAttach:
		return r.portAttach(callerThread, req)
	case Wait:
		return r.wait(core, req)
	case Yield:
		core.YieldNow(r.space)
		return okResponse(0)
	case Self:
		return okResponse(uint64(caller))
	default:
		kfmt.Printf("syscall: unknown opcode %x from thread %s\n", uint64(req.Opcode), caller.String())
		return errResponse(BadOpcode)
	}
}

func (r *Router) ringCreate(req Request) Response {
	parent := registry.Handle(req.Arg0)
	h, err := r.space.CreateRing(parent)
	if err != nil {
		return errResponse(errnoFor(err))
	}
	return okResponse(uint64(h))
}

func (r *Router) instanceSpawn(req Request) Response {
	ring := registry.Handle(req.Arg0)
	moduleID := uuidFromHalves(req.Arg1, req.Arg2)
	h, err := r.space.SpawnInstance(ring, moduleID)
	if err != nil {
		return errResponse(errnoFor(err))
	}
	return okResponse(uint64(h))
}

// tokenIssue mints a Token granting right on target to holder. Restricted
// to Ring-0 callers: token issuance is the one operation that cannot
// itself be gated by a Token, since it is the source of every Token
// presented anywhere else (§3, §4.5 step 3).
func (r *Router) tokenIssue(caller *obj.Thread, req Request) Response {
	if !r.space.InRootRing(caller.Instance) {
		return errResponse(NoPerm)
	}
	holder := registry.Handle(req.Arg0)
	right := obj.Right(req.Arg1)
	target := registry.Handle(req.Arg2)

	h, err := r.space.IssueToken(holder, right, target)
	if err != nil {
		return errResponse(errnoFor(err))
	}
	return okResponse(uint64(h))
}

// portAttach lets an Instance present a Token it holds to bind a Port
// role (§3). Only the Token's own holder, or a Ring-0 caller, may
// present it on the holder's behalf.
func (r *Router) portAttach(caller *obj.Thread, req Request) Response {
	portHandle := registry.Handle(req.Arg0)
	tokenHandle := registry.Handle(req.Arg1)

	tok, err := r.space.GetToken(tokenHandle)
	if err != nil {
		return errResponse(errnoFor(err))
	}
	if !r.space.OwnsOrRoot(caller.Instance, tok.Holder) {
		return errResponse(NoPerm)
	}
	if aerr := r.space.AttachPort(portHandle, tokenHandle); aerr != nil {
		return errResponse(errnoFor(aerr))
	}
	return okResponse(0)
}

func (r *Router) threadCreate(req Request, core *sched.Core) Response {
	instance := registry.Handle(req.Arg0)
	entryIP := uintptr(req.Arg1)
	entrySP := uintptr(req.Arg2)

	h, err := r.space.CreateThread(instance, entryIP, entrySP, core.ID())
	if err != nil {
		return errResponse(errnoFor(err))
	}
	r.scheduler.PlaceNewThread(h)
	return okResponse(uint64(h))
}

// portCreate creates a Port and immediately grants its creator a Token
// for the role requested (§6's role field, packed via
// packSlotSizeDepthRole): the creating Instance always owns the one
// capability it would otherwise have no way to acquire for a Port that
// did not exist a moment ago.
func (r *Router) portCreate(req Request, caller *obj.Thread) Response {
	typeID := uuidFromHalves(req.Arg0, req.Arg1)
	slotSize, depth, role := unpackSlotSizeDepthRole(req.Arg2, req.Arg3)
	if slotSize <= 0 || depth <= 0 {
		return errResponse(InvalidArg)
	}

	h, err := r.space.CreatePort(typeID, slotSize, depth)
	if err != nil {
		return errResponse(errnoFor(err))
	}

	right := obj.RightPortSend
	if role == obj.RoleConsumer {
		right = obj.RightPortRecv
	}
	tok, terr := r.space.IssueToken(caller.Instance, right, h)
	if terr != nil {
		return errResponse(errnoFor(terr))
	}
	if aerr := r.space.AttachPort(h, tok); aerr != nil {
		return errResponse(errnoFor(aerr))
	}
	return okResponse(uint64(h))
}

// portSend validates the Port handle, copies user_buf[0:len] out of the
// caller's address space, and enqueues it (§4.5: non-blocking, WouldBlock
// on a full queue). A successful send wakes at most one FIFO waiter
// blocked on this port (§4.5's "the other side's next enqueue/dequeue
// wakes one waiter").
func (r *Router) portSend(thread *obj.Thread, req Request) Response {
	portHandle := registry.Handle(req.Arg0)
	port, err := r.space.GetPort(portHandle)
	if err != nil {
		return errResponse(errnoFor(err))
	}

	buf, errno := r.readUser(thread, mm.Virt(req.Arg1), int(req.Arg2))
	if errno != Ok {
		return errResponse(errno)
	}

	n, serr := port.Send(buf)
	if serr != nil {
		return errResponse(errnoFor(serr))
	}
	r.scheduler.WakeWaitersOnPort(portHandle)
	return okResponse(uint64(n))
}

// portRecv mirrors portSend for the consumer direction, writing the
// received bytes back into the caller's address space.
func (r *Router) portRecv(thread *obj.Thread, req Request) Response {
	portHandle := registry.Handle(req.Arg0)
	port, err := r.space.GetPort(portHandle)
	if err != nil {
		return errResponse(errnoFor(err))
	}

	capacity := int(req.Arg2)
	scratch := make([]byte, capacity)
	n, rerr := port.Recv(scratch)
	if rerr != nil {
		return errResponse(errnoFor(rerr))
	}

	if errno := r.writeUser(thread, mm.Virt(req.Arg1), scratch[:n]); errno != Ok {
		return errResponse(errno)
	}
	r.scheduler.WakeWaitersOnPort(portHandle)
	return okResponse(uint64(n))
}

// wait blocks the calling thread on a Port (or, if port_handle is 0,
// purely on a deadline) (§4.5, §6 WAIT). It returns WakeNormal as soon as
// the thread is Blocked; a later wake, normal or timed out, is not reported
// back through this call.
func (r *Router) wait(core *sched.Core, req Request) Response {
	portHandle := registry.Handle(req.Arg0)
	deadline := req.Arg1

	reason := sched.BlockReason{PortHandle: portHandle, Deadline: deadline}
	if err := core.Block(r.space, reason); err != nil {
		return errResponse(errnoFor(err))
	}
	return okResponse(uint64(sched.WakeNormal))
}

// readUser reads length bytes of user memory out of thread's Instance
// address space.
func (r *Router) readUser(thread *obj.Thread, addr mm.Virt, length int) ([]byte, Errno) {
	inst, err := r.space.GetInstance(thread.Instance)
	if err != nil {
		return nil, errnoFor(err)
	}
	buf, rerr := inst.AddressSpace.ReadAt(addr, length)
	if rerr != nil {
		return nil, Fault
	}
	return buf, Ok
}

// writeUser writes data into thread's Instance address space at addr.
func (r *Router) writeUser(thread *obj.Thread, addr mm.Virt, data []byte) Errno {
	inst, err := r.space.GetInstance(thread.Instance)
	if err != nil {
		return errnoFor(err)
	}
	if werr := inst.AddressSpace.WriteAt(addr, data); werr != nil {
		return Fault
	}
	return Ok
}

// errnoFor maps a *kernel.Error sentinel from obj/registry to the stable
// syscall error-code space (§6). Errors this table doesn't recognize map
// to Fault, the most conservative code available, rather than leaking an
// internal sentinel across the syscall boundary.
func errnoFor(err *kernel.Error) Errno {
	switch err {
	case registry.ErrStaleHandle:
		return Stale
	case registry.ErrTableFull:
		return OutOfMemory
	case obj.ErrExists:
		return Exists
	case obj.ErrWouldBlock:
		return WouldBlock
	}

	switch err.Message {
	case "handle does not name the expected kind":
		return WrongKind
	case "module not found":
		return NotFound
	case "ring tree depth exceeded":
		return InvalidArg
	case "object has been terminated":
		return NotFound
	case "token does not grant a right on this port", "token does not grant a port role", "unknown port role":
		return InvalidArg
	}

	switch {
	case err.Module == "pfa":
		return OutOfMemory
	default:
		return Fault
	}
}
