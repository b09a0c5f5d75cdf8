package sequencer

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// RecyclingContext identifies which nested run a buffer belongs to. Contexts
// form a tree; the parent is a relation only and must outlive its children.
type RecyclingContext struct {
	id     uuid.UUID
	parent *RecyclingContext

	mu       sync.RWMutex
	recallID *RecallID

	children cowList[*RecyclingContext]
	disposed atomic.Bool
}

// NewRecyclingContext creates a context below parent, or a root context when
// parent is nil.
func NewRecyclingContext(parent *RecyclingContext) *RecyclingContext {
	c := &RecyclingContext{id: uuid.New(), parent: parent}
	if parent != nil {
		parent.children.Append(c)
	}
	return c
}

// ID returns the context UUID.
func (c *RecyclingContext) ID() uuid.UUID { return c.id }

// Parent returns the parent context or nil for a root.
func (c *RecyclingContext) Parent() *RecyclingContext {
	if c == nil {
		return nil
	}
	return c.parent
}

// Children returns the child contexts.
func (c *RecyclingContext) Children() []*RecyclingContext { return c.children.Snapshot() }

// Root walks the parent chain up to the root context of the top-level run.
func (c *RecyclingContext) Root() *RecyclingContext {
	for c != nil && c.parent != nil {
		c = c.parent
	}
	return c
}

// Depth is the number of ancestors of c.
func (c *RecyclingContext) Depth() int {
	n := 0
	for p := c.Parent(); p != nil; p = p.parent {
		n++
	}
	return n
}

// RecallID returns the recall id bound to the context, or nil.
func (c *RecyclingContext) RecallID() *RecallID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recallID
}

func (c *RecyclingContext) setRecallID(id *RecallID) {
	c.mu.Lock()
	c.recallID = id
	c.mu.Unlock()
}

// Disposed reports whether Dispose was called.
func (c *RecyclingContext) Disposed() bool { return c.disposed.Load() }

// Dispose detaches the context from its parent. Children keep their parent
// relation; they are expected to be disposed before.
func (c *RecyclingContext) Dispose() {
	if c == nil || !c.disposed.CompareAndSwap(false, true) {
		return
	}
	if c.parent != nil {
		c.parent.children.Remove(c)
	}
	c.setRecallID(nil)
}

// FindRecyclingContext returns the first candidate whose parent is
// targetParent. It returns nil if there is none; callers must not duplicate
// into that destination yet.
func FindRecyclingContext(candidates []*RecyclingContext, targetParent *RecyclingContext) *RecyclingContext {
	for _, c := range candidates {
		if c != nil && c.parent == targetParent {
			return c
		}
	}
	return nil
}
