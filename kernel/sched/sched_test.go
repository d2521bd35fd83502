package sched

import (
	"testing"

	"oro/kernel/boothandoff"
	"oro/kernel/mm"
	"oro/kernel/mm/pfa"
	"oro/kernel/mm/vmm"
	"oro/kernel/obj"
	"oro/kernel/registry"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestSpace(t *testing.T) *obj.Space {
	t.Helper()
	info := &boothandoff.Info{
		MemoryMap: []boothandoff.MemoryMapEntry{
			{Base: 0, Length: 1 * mm.Mb, Type: boothandoff.MemUsable},
		},
	}
	alloc, err := pfa.New(info)
	require.Nil(t, err)
	t.Cleanup(func() { _ = alloc.Close() })

	return obj.NewSpace(alloc, vmm.NewKernelHalf())
}

func spawnThreads(t *testing.T, space *obj.Space, n int) []registry.Handle {
	t.Helper()
	root, err := space.CreateRootRing()
	require.Nil(t, err)

	moduleID := uuid.New()
	require.Nil(t, space.Modules.Put(&obj.Module{ID: moduleID}))

	inst, err := space.SpawnInstance(root, moduleID)
	require.Nil(t, err)

	threads := make([]registry.Handle, n)
	for i := range threads {
		th, err := space.CreateThread(inst, 0, 0, 0)
		require.Nil(t, err)
		threads[i] = th
	}
	return threads
}

func TestPickNextFIFOOrder(t *testing.T) {
	space := newTestSpace(t)
	threads := spawnThreads(t, space, 3)

	core := NewCore(0, 4, nil)
	for _, th := range threads {
		core.Enqueue(th)
	}

	for _, want := range threads {
		got := core.PickNext(space)
		require.Equal(t, want, got)
	}
}

func TestPickNextRequeuesStillReadyCurrent(t *testing.T) {
	space := newTestSpace(t)
	threads := spawnThreads(t, space, 2)

	core := NewCore(0, 4, nil)
	core.Enqueue(threads[0])
	core.Enqueue(threads[1])

	first := core.PickNext(space)
	require.Equal(t, threads[0], first)

	core.YieldNow(space)
	second := core.PickNext(space)
	require.Equal(t, threads[1], second)

	third := core.PickNext(space)
	require.Equal(t, threads[0], third, "yielded thread should come back around after one full rotation")
}

func TestPickNextReturnsInvalidWhenEmpty(t *testing.T) {
	space := newTestSpace(t)
	core := NewCore(0, 4, nil)
	require.Equal(t, registry.InvalidHandle, core.PickNext(space))
}

func TestBlockAndWakeRoutesToHomeCore(t *testing.T) {
	space := newTestSpace(t)
	threads := spawnThreads(t, space, 1)
	thread := threads[0]

	scheduler := New(space, 2, 4, nil)
	homeCore := scheduler.PlaceNewThread(thread)

	core := scheduler.Core(homeCore)
	got := core.PickNext(space)
	require.Equal(t, thread, got)

	require.Nil(t, core.Block(space, BlockReason{}))

	th, err := space.GetThread(thread)
	require.Nil(t, err)
	require.Equal(t, obj.ThreadBlocked, th.Snapshot())

	require.Nil(t, scheduler.Wake(thread, homeCore))
	require.Equal(t, obj.ThreadReady, th.Snapshot())

	core.drainIncoming()
	require.Equal(t, thread, core.PickNext(space))
}

func TestTickExhaustsQuantumAndPreempts(t *testing.T) {
	space := newTestSpace(t)
	threads := spawnThreads(t, space, 2)

	metrics := NewMetrics(nil)
	scheduler := New(space, 1, 2, metrics)
	core := scheduler.Core(0)
	core.Enqueue(threads[0])
	core.Enqueue(threads[1])

	got := core.PickNext(space)
	require.Equal(t, threads[0], got)

	core.Tick(space, scheduler)
	core.Tick(space, scheduler)

	next := core.PickNext(space)
	require.Equal(t, threads[1], next, "quantum of 2 ticks should have preempted thread 0")
}

func TestWaitTimeoutWakesWithTimedOut(t *testing.T) {
	space := newTestSpace(t)
	threads := spawnThreads(t, space, 1)
	thread := threads[0]

	scheduler := New(space, 1, 1000, nil)
	core := scheduler.Core(0)
	core.Enqueue(thread)
	core.PickNext(space)

	require.Nil(t, core.Block(space, BlockReason{Deadline: core.CurrentTick() + 2}))

	core.Tick(space, scheduler)
	core.Tick(space, scheduler)

	th, err := space.GetThread(thread)
	require.Nil(t, err)
	require.Equal(t, obj.ThreadReady, th.Snapshot())
}

// TestFIFOFairnessOnOneCore exercises §8's FIFO-fairness /
// preemption scenario: K ready threads on one core, run for N ticks with
// quantum 1, and check every thread got a roughly equal number of turns.
func TestFIFOFairnessOnOneCore(t *testing.T) {
	space := newTestSpace(t)
	const k = 4
	threads := spawnThreads(t, space, k)

	scheduler := New(space, 1, 1, nil)
	core := scheduler.Core(0)
	for _, th := range threads {
		core.Enqueue(th)
	}

	turns := make(map[registry.Handle]int, k)
	const n = 400
	for i := 0; i < n; i++ {
		got := core.PickNext(space)
		require.NotEqual(t, registry.InvalidHandle, got)
		turns[got]++
		core.Tick(space, scheduler)
	}

	expected := n / k
	for _, th := range threads {
		got := turns[th]
		require.InDeltaf(t, expected, got, float64(expected)/4+2, "thread %v got %d turns, want close to %d", th, got, expected)
	}
}

// TestConcurrentCrossCoreWakesAreAllDelivered spins up a small fleet of
// goroutines, one per core, each waking once a distinct thread
// pinned to a different core, and checks every wake is observed after a
// drain -- the cross-core MPMC routing path (§4.4) under real concurrency.
func TestConcurrentCrossCoreWakesAreAllDelivered(t *testing.T) {
	space := newTestSpace(t)
	const cores = 4
	threads := spawnThreads(t, space, cores)

	scheduler := New(space, cores, 4, nil)
	homeCores := make([]int, cores)
	for i, th := range threads {
		homeCores[i] = scheduler.PlaceNewThread(th)
		scheduler.Core(homeCores[i]).PickNext(space)
		require.Nil(t, scheduler.Core(homeCores[i]).Block(space, BlockReason{}))
	}

	var g errgroup.Group
	for i := range threads {
		i := i
		g.Go(func() error {
			return scheduler.Wake(threads[i], homeCores[i])
		})
	}
	require.NoError(t, g.Wait())

	for i, th := range threads {
		scheduler.Core(homeCores[i]).drainIncoming()
		got := scheduler.Core(homeCores[i]).PickNext(space)
		require.Equal(t, th, got)
	}
}
