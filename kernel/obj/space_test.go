package obj

import (
	"testing"

	"oro/kernel/boothandoff"
	"oro/kernel/mm"
	"oro/kernel/mm/pfa"
	"oro/kernel/mm/vmm"
	"oro/kernel/registry"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestSpace(t *testing.T) *Space {
	t.Helper()
	info := &boothandoff.Info{
		MemoryMap: []boothandoff.MemoryMapEntry{
			{Base: 0, Length: 4 * mm.Mb, Type: boothandoff.MemUsable},
		},
	}
	alloc, err := pfa.New(info)
	require.Nil(t, err)
	t.Cleanup(func() { _ = alloc.Close() })

	return NewSpace(alloc, vmm.NewKernelHalf())
}

func registerModule(t *testing.T, s *Space) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.Nil(t, s.Modules.Put(&Module{ID: id, Image: []byte("x")}))
	return id
}

func TestRingTreeCascadeDestroy(t *testing.T) {
	s := newTestSpace(t)
	root, err := s.CreateRootRing()
	require.Nil(t, err)

	r1, err := s.CreateRing(root)
	require.Nil(t, err)
	r2, err := s.CreateRing(r1)
	require.Nil(t, err)

	moduleID := registerModule(t, s)
	i1, err := s.SpawnInstance(r2, moduleID)
	require.Nil(t, err)

	require.Nil(t, s.DestroyRing(r1))

	_, err = s.Registry.Get(r1)
	require.Equal(t, registry.ErrStaleHandle, err)
	_, err = s.Registry.Get(r2)
	require.Equal(t, registry.ErrStaleHandle, err)
	_, err = s.Registry.Get(i1)
	require.Equal(t, registry.ErrStaleHandle, err)
}

func TestSpawnInstanceIntoTerminatedRingFails(t *testing.T) {
	s := newTestSpace(t)
	root, _ := s.CreateRootRing()
	r1, _ := s.CreateRing(root)
	require.Nil(t, s.DestroyRing(r1))

	moduleID := registerModule(t, s)
	_, err := s.SpawnInstance(r1, moduleID)
	require.Equal(t, registry.ErrStaleHandle, err)
}

func TestThreadStateMachine(t *testing.T) {
	s := newTestSpace(t)
	root, _ := s.CreateRootRing()
	moduleID := registerModule(t, s)
	inst, err := s.SpawnInstance(root, moduleID)
	require.Nil(t, err)

	th, err := s.CreateThread(inst, 0x1000, 0x2000, 0)
	require.Nil(t, err)

	tv, err := s.Registry.Get(th)
	require.Nil(t, err)
	thread := tv.(*Thread)

	require.Equal(t, ThreadReady, thread.Snapshot())
	require.Nil(t, thread.Transition(ThreadRunning))
	require.Nil(t, thread.Transition(ThreadBlocked))
	require.Nil(t, thread.Transition(ThreadReady))
	require.Nil(t, thread.Transition(ThreadRunning))
	require.Nil(t, thread.Transition(ThreadTerminated))

	require.Equal(t, errBadTransition, thread.Transition(ThreadRunning))
}

func TestDestroyInstanceTerminatesThreadsAndDropsAddressSpace(t *testing.T) {
	s := newTestSpace(t)
	root, _ := s.CreateRootRing()
	moduleID := registerModule(t, s)
	inst, _ := s.SpawnInstance(root, moduleID)

	th, err := s.CreateThread(inst, 0, 0, 0)
	require.Nil(t, err)

	require.Nil(t, s.DestroyInstance(inst))

	_, err = s.Registry.Get(th)
	require.Equal(t, registry.ErrStaleHandle, err)
	_, err = s.Registry.Get(inst)
	require.Equal(t, registry.ErrStaleHandle, err)
}

func TestPortRoundTripSingleProducerSingleConsumer(t *testing.T) {
	s := newTestSpace(t)
	root, _ := s.CreateRootRing()
	moduleID := registerModule(t, s)
	producerInst, _ := s.SpawnInstance(root, moduleID)
	consumerInst, _ := s.SpawnInstance(root, moduleID)

	typeID := uuid.New()
	portHandle, err := s.CreatePort(typeID, 64, 8)
	require.Nil(t, err)

	sendToken, err := s.IssueToken(producerInst, RightPortSend, portHandle)
	require.Nil(t, err)
	recvToken, err := s.IssueToken(consumerInst, RightPortRecv, portHandle)
	require.Nil(t, err)

	require.Nil(t, s.AttachPort(portHandle, sendToken))
	require.Nil(t, s.AttachPort(portHandle, recvToken))

	// A second producer attach must fail with Exists.
	otherToken, _ := s.IssueToken(producerInst, RightPortSend, portHandle)
	require.Equal(t, ErrExists, s.AttachPort(portHandle, otherToken))

	pv, err := s.Registry.Get(portHandle)
	require.Nil(t, err)
	port := pv.(*Port)

	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	n, err := port.Send(payload)
	require.Nil(t, err)
	require.Equal(t, 64, n)

	out := make([]byte, 64)
	n, err = port.Recv(out)
	require.Nil(t, err)
	require.Equal(t, 64, n)
	require.Equal(t, payload, out)
}

func TestPortSendOrderIsPreserved(t *testing.T) {
	port := NewPort(uuid.New(), 8, 4)

	_, err := port.Send([]byte("A"))
	require.Nil(t, err)
	_, err = port.Send([]byte("B"))
	require.Nil(t, err)
	_, err = port.Send([]byte("C"))
	require.Nil(t, err)

	for _, want := range []string{"A", "B", "C"} {
		buf := make([]byte, 8)
		n, err := port.Recv(buf)
		require.Nil(t, err)
		require.Equal(t, want, string(buf[:n]))
	}
}

func TestPortSendWouldBlockWhenFull(t *testing.T) {
	port := NewPort(uuid.New(), 4, 2)
	_, err := port.Send([]byte("a"))
	require.Nil(t, err)
	_, err = port.Send([]byte("b"))
	require.Nil(t, err)

	_, err = port.Send([]byte("c"))
	require.Equal(t, ErrWouldBlock, err)
}

func TestPortRecvWouldBlockWhenEmpty(t *testing.T) {
	port := NewPort(uuid.New(), 4, 2)
	_, err := port.Recv(make([]byte, 4))
	require.Equal(t, ErrWouldBlock, err)
}

func TestModuleStoreRejectsDuplicateID(t *testing.T) {
	store := NewModuleStore()
	id := uuid.New()
	require.Nil(t, store.Put(&Module{ID: id}))
	require.Equal(t, errModuleExists, store.Put(&Module{ID: id}))
}
