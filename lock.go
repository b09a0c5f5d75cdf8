package sequencer

import (
	"sync"
	"sync/atomic"
)

// cowList is a copy-on-write list. Writers serialize on mu and publish a
// fresh slice; readers load the published slice without locking and must
// never modify it. Callbacks never run while mu is held, so no other lock is
// ever acquired under it.
type cowList[T comparable] struct {
	mu sync.Mutex
	p  atomic.Pointer[[]T]
}

// Load returns the current snapshot. The slice is shared; do not modify it.
func (l *cowList[T]) Load() []T {
	if p := l.p.Load(); p != nil {
		return *p
	}
	return nil
}

// Snapshot returns a private copy of the current list.
func (l *cowList[T]) Snapshot() []T {
	cur := l.Load()
	out := make([]T, len(cur))
	copy(out, cur)
	return out
}

// Len returns the length of the current snapshot.
func (l *cowList[T]) Len() int { return len(l.Load()) }

// Append publishes the list with vs appended.
func (l *cowList[T]) Append(vs ...T) {
	if len(vs) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.Load()
	next := make([]T, 0, len(cur)+len(vs))
	next = append(next, cur...)
	next = append(next, vs...)
	l.p.Store(&next)
}

// Remove publishes the list without v and reports whether it was present.
func (l *cowList[T]) Remove(v T) bool {
	removed := l.RemoveFunc(func(x T) bool { return x == v })
	return len(removed) > 0
}

// RemoveFunc publishes the list without every element matching fn and
// returns the removed elements in list order.
func (l *cowList[T]) RemoveFunc(fn func(T) bool) []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.Load()
	var removed []T
	next := make([]T, 0, len(cur))
	for _, x := range cur {
		if fn(x) {
			removed = append(removed, x)
			continue
		}
		next = append(next, x)
	}
	if len(removed) == 0 {
		return nil
	}
	l.p.Store(&next)
	return removed
}

// Clear publishes an empty list and returns what it held.
func (l *cowList[T]) Clear() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.Load()
	l.p.Store(nil)
	return cur
}

// Contains reports whether v is in the current snapshot.
func (l *cowList[T]) Contains(v T) bool {
	for _, x := range l.Load() {
		if x == v {
			return true
		}
	}
	return false
}

// Find returns the first element matching fn in the current snapshot.
func (l *cowList[T]) Find(fn func(T) bool) (T, bool) {
	for _, x := range l.Load() {
		if fn(x) {
			return x, true
		}
	}
	var zero T
	return zero, false
}

// Filter returns every element of the current snapshot matching fn.
func (l *cowList[T]) Filter(fn func(T) bool) []T {
	var out []T
	for _, x := range l.Load() {
		if fn(x) {
			out = append(out, x)
		}
	}
	return out
}

// atomicFlags is a lock-free flag word readable from the audio thread.
type atomicFlags struct {
	v atomic.Uint32
}

func (f *atomicFlags) Load() Flags { return Flags(f.v.Load()) }

func (f *atomicFlags) Has(flags Flags) bool { return f.Load()&flags == flags }

func (f *atomicFlags) Any(flags Flags) bool { return f.Load()&flags != 0 }

// Set sets flags and reports whether any of them was previously unset.
func (f *atomicFlags) Set(flags Flags) bool {
	for {
		old := f.v.Load()
		next := old | uint32(flags)
		if next == old {
			return false
		}
		if f.v.CompareAndSwap(old, next) {
			return true
		}
	}
}

// Unset clears flags.
func (f *atomicFlags) Unset(flags Flags) {
	for {
		old := f.v.Load()
		next := old &^ uint32(flags)
		if next == old || f.v.CompareAndSwap(old, next) {
			return
		}
	}
}

func (f *atomicFlags) Store(flags Flags) { f.v.Store(uint32(flags)) }
