package sequencer

import (
	"sync"
	"sync/atomic"
)

// reclaimer defers the finalize step of two-phase destruction until no tick
// that could still hold a reference is running. The epoch is odd while a
// tick runs; work retired during epoch e runs once the epoch passed e.
type reclaimer struct {
	epoch atomic.Uint64

	mu      sync.Mutex
	pending []retired
}

type retired struct {
	epoch uint64
	fn    func()
}

func (r *reclaimer) enterTick() { r.epoch.Add(1) }

func (r *reclaimer) exitTick() { r.epoch.Add(1) }

// Retire runs fn now if no tick is in flight, otherwise queues it for the
// next Collect after that tick. The caller must have unpublished whatever fn
// releases before calling Retire.
func (r *reclaimer) Retire(fn func()) {
	if fn == nil {
		return
	}
	e := r.epoch.Load()
	if e%2 == 0 {
		fn()
		return
	}
	r.mu.Lock()
	r.pending = append(r.pending, retired{epoch: e, fn: fn})
	r.mu.Unlock()
}

// Collect runs every retired function whose tick has completed and reports
// how many are still waiting.
func (r *reclaimer) Collect() int {
	cur := r.epoch.Load()
	r.mu.Lock()
	var ready []func()
	keep := r.pending[:0]
	for _, p := range r.pending {
		if cur > p.epoch {
			ready = append(ready, p.fn)
			continue
		}
		keep = append(keep, p)
	}
	r.pending = keep
	left := len(keep)
	r.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
	return left
}

// Flush runs every retired function regardless of the epoch. Only valid once
// ticks have stopped.
func (r *reclaimer) Flush() {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, p := range pending {
		p.fn()
	}
}

// Pending returns the number of retired functions not yet run.
func (r *reclaimer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
