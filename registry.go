package sequencer

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Block is the work of one leaf for one tick. Source and Destination alias
// recycling buffers; Destination is nil for pass-through leaves.
type Block struct {
	Source      []float64
	Destination []float64
	Frames      int
	Tick        uint64
	SampleRate  float64
}

// Processor is the processing object a RecallRecycling drives. Process runs
// on the audio thread and must not block.
type Processor interface {
	Process(b *Block)
}

// Canceler is implemented by processors that need to react to cancellation,
// for example by flushing held notes. Cancel may run concurrently with
// Process.
type Canceler interface {
	Cancel()
}

// Finisher is implemented by processors that can finish on their own. A
// leaf whose processor reports done is flagged done and stops processing.
type Finisher interface {
	Done() bool
}

// LeafContext is handed to a Factory when a RecallRecycling is connected.
type LeafContext struct {
	Source      *Recycling
	Destination *Recycling
	Format      Format
	RecallID    *RecallID
	Logger      *slog.Logger

	leaf *RecallRecycling
}

// Port resolves a port of the effect, preferring the channel run's own
// template over the audio-wide ports of the container.
func (c LeafContext) Port(specifier string) *Port {
	if c.leaf == nil {
		return nil
	}
	return c.leaf.findPort(specifier)
}

// Factory builds the processor of one leaf.
type Factory func(ctx LeafContext) (Processor, error)

// Registry maps child type names to their factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var errDuplicateChildType = errors.New("duplicate child type")

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for the given child type.
func (r *Registry) Register(childType string, factory Factory) error {
	if childType == "" {
		return errors.New("empty child type")
	}
	if factory == nil {
		return errors.New("nil factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[childType]; exists {
		return fmt.Errorf("%w: %s", errDuplicateChildType, childType)
	}
	r.factories[childType] = factory
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(childType string, factory Factory) {
	if err := r.Register(childType, factory); err != nil {
		panic("sequencer registry: " + err.Error())
	}
}

// Lookup returns the factory for the given child type, or nil.
func (r *Registry) Lookup(childType string) Factory {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factories[childType]
}

// Names lists the registered child types in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// build runs the factory of childType. An empty child type yields no
// processor and no error.
func (r *Registry) build(childType string, ctx LeafContext) (Processor, error) {
	if childType == "" {
		return nil, nil
	}
	f := r.Lookup(childType)
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChildType, childType)
	}
	p, err := f(ctx)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", childType, err)
	}
	return p, nil
}
