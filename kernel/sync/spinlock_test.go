package sync

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestSpinlock(t *testing.T) {
	// Substitute the yieldFn with runtime.Gosched to avoid deadlocks while testing
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			sl.Acquire()
			sl.Release()
			wg.Done()
		}()
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	wg.Wait()

	if !sl.TryToAcquire() {
		t.Fatal("expected TryToAcquire to succeed after all workers released the lock")
	}
	sl.Release()
}

func TestSpinlockGuard(t *testing.T) {
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		sl      Spinlock
		wg      sync.WaitGroup
		counter int
	)

	wg.Add(8)
	for i := 0; i < 8; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				sl.Guard(func() { counter++ })
			}
		}()
	}
	wg.Wait()

	if exp := 8000; counter != exp {
		t.Fatalf("expected counter to be %d; got %d", exp, counter)
	}

	t.Run("released on panic", func(t *testing.T) {
		func() {
			defer func() { _ = recover() }()
			sl.Guard(func() { panic("boom") })
		}()

		if !sl.TryToAcquire() {
			t.Fatal("expected lock to be released after a panic inside Guard")
		}
		sl.Release()
	})
}
