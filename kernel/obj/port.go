package obj

import (
	"sync"

	"oro/kernel"
	"oro/kernel/registry"

	"github.com/google/uuid"
)

// Role is a Port endpoint's direction.
type Role uint8

const (
	RoleProducer Role = iota
	RoleConsumer
)

var (
	// ErrExists is returned when a second producer or consumer attempts
	// to attach to an already-occupied role (§3).
	ErrExists = kernel.NewError("obj", "port role already attached")
	// ErrWouldBlock is returned by a non-blocking Send/Recv that cannot
	// make progress immediately (§4.5: "non-blocking: if the Port queue
	// is full/empty, the syscall returns WouldBlock").
	ErrWouldBlock   = kernel.NewError("obj", "would block")
	errMessageTooBig = kernel.NewError("obj", "message exceeds port slot size")
)

// Port is a typed unidirectional endpoint carrying a bounded SPSC queue of
// fixed-size messages (§3, resolving the §9 open question in favor of
// SPSC-per-role). Every Port has exactly one producer and one consumer
// role; Send/Recv never block here -- blocking is layered on top by the
// scheduler's WAIT bookkeeping (sched.Scheduler.WakeWaitersOnPort).
type Port struct {
	TypeID   uuid.UUID
	SlotSize int
	Depth    int

	mu     sync.Mutex
	slots  [][]byte
	lens   []int
	head   int
	tail   int
	count  int

	producerToken registry.Handle
	consumerToken registry.Handle
}

// NewPort allocates a Port with the given fixed slot size and queue depth.
func NewPort(typeID uuid.UUID, slotSize, depth int) *Port {
	return &Port{
		TypeID:   typeID,
		SlotSize: slotSize,
		Depth:    depth,
		slots:    make([][]byte, depth),
		lens:     make([]int, depth),
	}
}

// Attach binds token to the given role, failing with ErrExists if that role
// is already occupied.
func (p *Port) Attach(role Role, token registry.Handle) *kernel.Error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch role {
	case RoleProducer:
		if p.producerToken != registry.InvalidHandle {
			return ErrExists
		}
		p.producerToken = token
	case RoleConsumer:
		if p.consumerToken != registry.InvalidHandle {
			return ErrExists
		}
		p.consumerToken = token
	default:
		return kernel.NewError("obj", "unknown port role")
	}
	return nil
}

// Send enqueues msg, copying it into the next free slot. It never blocks:
// a full queue returns ErrWouldBlock.
func (p *Port) Send(msg []byte) (int, *kernel.Error) {
	if len(msg) > p.SlotSize {
		return 0, errMessageTooBig
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count == p.Depth {
		return 0, ErrWouldBlock
	}

	buf := make([]byte, len(msg))
	copy(buf, msg)
	p.slots[p.tail] = buf
	p.lens[p.tail] = len(msg)
	p.tail = (p.tail + 1) % p.Depth
	p.count++

	return len(msg), nil
}

// Recv dequeues the oldest message into dst, returning the number of bytes
// written. An empty queue returns ErrWouldBlock.
func (p *Port) Recv(dst []byte) (int, *kernel.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count == 0 {
		return 0, ErrWouldBlock
	}

	n := copy(dst, p.slots[p.head][:p.lens[p.head]])
	p.slots[p.head] = nil
	p.head = (p.head + 1) % p.Depth
	p.count--

	return n, nil
}

// Empty reports whether the queue currently holds no messages.
func (p *Port) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count == 0
}

// Full reports whether the queue is at capacity.
func (p *Port) Full() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count == p.Depth
}
