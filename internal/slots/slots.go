// Package slots implements the fixed-capacity upload/download slot
// counters referenced throughout spec.md §4.3-§4.4: a transfer may start
// only while a slot is free, and the counter is released exactly once per
// acquired slot regardless of how the transfer ends.
package slots

import "sync/atomic"

// Counter is a capacity-bounded slot counter, safe for concurrent use by
// every peer session sharing it.
type Counter struct {
	cap int32
	n   int32
}

// New returns a Counter that allows up to capacity concurrent holders.
func New(capacity int) *Counter {
	return &Counter{cap: int32(capacity)}
}

// Acquire claims one slot, returning false if the counter is already at
// capacity.
func (c *Counter) Acquire() bool {
	for {
		n := atomic.LoadInt32(&c.n)
		if n >= c.cap {
			return false
		}
		if atomic.CompareAndSwapInt32(&c.n, n, n+1) {
			return true
		}
	}
}

// Release frees one previously-acquired slot.
func (c *Counter) Release() {
	atomic.AddInt32(&c.n, -1)
}

// InUse reports the number of currently held slots.
func (c *Counter) InUse() int { return int(atomic.LoadInt32(&c.n)) }

// Cap reports the configured capacity.
func (c *Counter) Cap() int { return int(c.cap) }
