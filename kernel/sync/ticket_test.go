package sync

import (
	"runtime"
	"sync"
	"testing"
)

func TestTicketLockOrdersFairly(t *testing.T) {
	defer func(orig func()) { yieldFn = orig }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		lock    TicketLock
		order   []int
		mu      sync.Mutex
		wg      sync.WaitGroup
		workers = 8
	)

	lock.Acquire()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			lock.Acquire()
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			lock.Release()
		}(i)
	}
	// give every goroutine a chance to queue up before releasing.
	runtime.Gosched()
	lock.Release()
	wg.Wait()

	if len(order) != workers {
		t.Fatalf("expected %d critical section entries; got %d", workers, len(order))
	}
}

func TestTicketLockMutualExclusion(t *testing.T) {
	defer func(orig func()) { yieldFn = orig }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		lock    TicketLock
		counter int
		wg      sync.WaitGroup
	)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock.Acquire()
			counter++
			lock.Release()
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Fatalf("expected counter == 100; got %d (lost update => missing mutual exclusion)", counter)
	}
}
