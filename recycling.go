package sequencer

import (
	"sync"

	"github.com/google/uuid"
)

// Recycling is one buffer chain of a channel. Recyclings of an audio form a
// doubly linked list; a channel spans a contiguous run of it (first..last).
//
// The sample buffer is touched only by the tick. next/prev and the owning
// channel are structural and belong to the topology manager.
type Recycling struct {
	id uuid.UUID

	mu      sync.RWMutex
	channel *Channel
	next    *Recycling
	prev    *Recycling

	buffer []float64
}

// NewRecycling creates an unlinked recycling with a zeroed buffer.
func NewRecycling(bufferSize int) *Recycling {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Recycling{
		id:     uuid.New(),
		buffer: make([]float64, bufferSize),
	}
}

// ID returns the recycling's UUID.
func (r *Recycling) ID() uuid.UUID { return r.id }

// Next returns the following recycling or nil.
func (r *Recycling) Next() *Recycling {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.next
}

// Prev returns the preceding recycling or nil.
func (r *Recycling) Prev() *Recycling {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prev
}

// Channel returns the channel currently owning the recycling.
func (r *Recycling) Channel() *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel
}

func (r *Recycling) setChannel(c *Channel) {
	r.mu.Lock()
	r.channel = c
	r.mu.Unlock()
}

// Buffer returns the sample buffer. Only the tick may read or write it.
func (r *Recycling) Buffer() []float64 { return r.buffer }

// link makes b follow a. Either may be nil.
func link(a, b *Recycling) {
	if a != nil {
		a.mu.Lock()
		a.next = b
		a.mu.Unlock()
	}
	if b != nil {
		b.mu.Lock()
		b.prev = a
		b.mu.Unlock()
	}
}

// Region is an ordered run of recyclings, first..last inclusive.
type Region []*Recycling

// RegionOf walks next links from first to last. A nil first yields an empty
// region; a chain that ends before last yields what was walked.
func RegionOf(first, last *Recycling) Region {
	if first == nil {
		return nil
	}
	var out Region
	seen := make(map[*Recycling]struct{})
	for r := first; r != nil; r = r.Next() {
		if _, loop := seen[r]; loop {
			break
		}
		seen[r] = struct{}{}
		out = append(out, r)
		if r == last {
			break
		}
	}
	return out
}

// First returns the first recycling or nil.
func (rg Region) First() *Recycling {
	if len(rg) == 0 {
		return nil
	}
	return rg[0]
}

// Last returns the last recycling or nil.
func (rg Region) Last() *Recycling {
	if len(rg) == 0 {
		return nil
	}
	return rg[len(rg)-1]
}

// Contains reports whether r is part of the region.
func (rg Region) Contains(r *Recycling) bool {
	return rg.index(r) >= 0
}

func (rg Region) index(r *Recycling) int {
	for i, x := range rg {
		if x == r {
			return i
		}
	}
	return -1
}

// Equal reports whether both regions hold the same recyclings in order.
func (rg Region) Equal(other Region) bool {
	if len(rg) != len(other) {
		return false
	}
	for i := range rg {
		if rg[i] != other[i] {
			return false
		}
	}
	return true
}

// DiffRegions returns the sub-span of old that is gone and the sub-span of
// next that is new. When either difference is not contiguous the whole old
// and new regions are returned, modelling the change as a full replacement.
func DiffRegions(old, next Region) (removed, added Region) {
	removed = subtract(old, next)
	added = subtract(next, old)
	if !contiguousIn(old, removed) || !contiguousIn(next, added) {
		return old, next
	}
	return removed, added
}

func subtract(a, b Region) Region {
	var out Region
	for _, r := range a {
		if !b.Contains(r) {
			out = append(out, r)
		}
	}
	return out
}

func contiguousIn(whole, part Region) bool {
	if len(part) == 0 {
		return true
	}
	start := whole.index(part[0])
	if start < 0 || start+len(part) > len(whole) {
		return false
	}
	for i, r := range part {
		if whole[start+i] != r {
			return false
		}
	}
	return true
}
