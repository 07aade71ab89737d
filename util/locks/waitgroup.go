// Package locks provides a counter-based wait primitive the node
// entrypoint (cmd/hybridnoded) uses to block shutdown until every
// background loop it started — mempool maintenance, mining, the
// voting period ticker — has actually returned, rather than racing the
// process exit against goroutines still holding chain_lock or the
// store.
package locks

import (
	"sync"
	"sync/atomic"
)

// WaitGroup counts outstanding goroutines, the same shape as
// sync.WaitGroup, but backed by a sync.Cond rather than the runtime's
// semaphore.
type WaitGroup struct {
	counter  int64
	waitCond *sync.Cond
}

// NewWaitGroup constructs an empty WaitGroup.
func NewWaitGroup() *WaitGroup {
	return &WaitGroup{
		waitCond: sync.NewCond(&sync.Mutex{}),
	}
}

// Add increments the outstanding count by one, called before starting
// a goroutine that must complete before Wait returns.
func (wg *WaitGroup) Add() {
	atomic.AddInt64(&wg.counter, 1)
}

// Done decrements the outstanding count by one, called when a
// goroutine started after Add finishes.
func (wg *WaitGroup) Done() {
	counter := atomic.AddInt64(&wg.counter, -1)
	if counter < 0 {
		panic("locks: Done called more times than Add")
	}
	if atomic.LoadInt64(&wg.counter) == 0 {
		wg.waitCond.Broadcast()
	}
}

// Wait blocks until the outstanding count returns to zero.
func (wg *WaitGroup) Wait() {
	wg.waitCond.L.Lock()
	defer wg.waitCond.L.Unlock()
	for atomic.LoadInt64(&wg.counter) != 0 {
		wg.waitCond.Wait()
	}
}
