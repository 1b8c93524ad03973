// Package sync provides synchronization primitives that are safe to use
// before the Go scheduler is available.
package sync

import (
	"runtime"
	"sync/atomic"
)

// yieldFn is invoked while spinning on a contended lock.
var yieldFn = runtime.Gosched

// spinsBeforeYield controls how many failed acquire attempts are made before
// yieldFn is invoked.
const spinsBeforeYield = 64

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(1); !atomic.CompareAndSwapUint32(&l.state, 0, 1); attempt++ {
		if attempt%spinsBeforeYield == 0 && yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Guard runs fn while holding the lock. The lock is released when fn returns
// or panics.
func (l *Spinlock) Guard(fn func()) {
	l.Acquire()
	defer l.Release()
	fn()
}
