package sequencer

import (
	"github.com/google/uuid"
)

// RecallID is the identity of one concurrent run. Its sound scope never
// changes; its recycling context is fixed at creation.
type RecallID struct {
	id      uuid.UUID
	scope   SoundScope
	context *RecyclingContext
	flags   atomicFlags
}

// NewRecallID binds a new run identity to ctx. ctx may be nil for runs that
// need no recycling context.
func NewRecallID(scope SoundScope, ctx *RecyclingContext) *RecallID {
	id := &RecallID{id: uuid.New(), scope: scope, context: ctx}
	if ctx != nil {
		ctx.setRecallID(id)
	}
	return id
}

// ID returns the recall id UUID.
func (r *RecallID) ID() uuid.UUID { return r.id }

// Scope returns the sound scope of the run.
func (r *RecallID) Scope() SoundScope {
	if r == nil {
		return ScopeNone
	}
	return r.scope
}

// Context returns the bound recycling context or nil.
func (r *RecallID) Context() *RecyclingContext {
	if r == nil {
		return nil
	}
	return r.context
}

// Flags returns the run flags (Done, Cancel).
func (r *RecallID) Flags() Flags { return r.flags.Load() }

// Done reports whether the run has finished.
func (r *RecallID) Done() bool { return r.flags.Has(FlagDone) }

// Cancelled reports whether the run was cancelled.
func (r *RecallID) Cancelled() bool { return r.flags.Has(FlagCancel) }

func (r *RecallID) setFlags(f Flags) bool { return r.flags.Set(f) }

// FindRecallIDByParent returns the first id whose context's parent is parent.
func FindRecallIDByParent(ids []*RecallID, parent *RecyclingContext) *RecallID {
	for _, id := range ids {
		if id != nil && id.Context() != nil && id.Context().Parent() == parent {
			return id
		}
	}
	return nil
}

// FindRecallIDByContext returns the id bound to ctx among ids.
func FindRecallIDByContext(ids []*RecallID, ctx *RecyclingContext) *RecallID {
	for _, id := range ids {
		if id != nil && id.Context() == ctx {
			return id
		}
	}
	return nil
}
