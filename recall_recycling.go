package sequencer

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// RecallRecycling is the leaf of the recall tree: one per (source,
// destination) recycling pair of a channel run. The processor binding is
// published atomically so the tick sees either a connected leaf or nil.
type RecallRecycling struct {
	Base
	run         *RecallChannelRun
	source      *Recycling
	destination *Recycling

	binding atomic.Pointer[leafBinding]
	cursor  atomic.Uint64

	procMu   sync.Mutex
	detached Processor

	// blk is reused by the tick; only the audio thread touches it.
	blk Block
}

type leafBinding struct {
	proc Processor
}

func newRecallRecycling(run *RecallChannelRun, source, destination *Recycling) *RecallRecycling {
	l := &RecallRecycling{run: run, source: source, destination: destination}
	l.id = uuid.New()
	l.kind = KindRecycling
	l.name = run.Name()
	l.owner = l
	l.container = run.Container()
	l.childType = run.ChildType()
	l.format = run.Format()
	return l
}

// Source returns the source recycling.
func (l *RecallRecycling) Source() *Recycling { return l.source }

// Destination returns the destination recycling, nil for pass-through leaves.
func (l *RecallRecycling) Destination() *Recycling { return l.destination }

// Run returns the owning channel run.
func (l *RecallRecycling) Run() *RecallChannelRun { return l.run }

// Cursor returns how many frames the leaf has read from its source.
func (l *RecallRecycling) Cursor() uint64 { return l.cursor.Load() }

// Connected reports whether a processor is bound.
func (l *RecallRecycling) Connected() bool { return l.binding.Load() != nil }

// Processor returns the bound processor or nil.
func (l *RecallRecycling) Processor() Processor {
	if b := l.binding.Load(); b != nil {
		return b.proc
	}
	return nil
}

// Live reports whether the leaf still contributes output.
func (l *RecallRecycling) Live() bool {
	return !l.flags.Any(FlagCancel | FlagDisposed | FlagRemove)
}

func (l *RecallRecycling) matches(source, destination *Recycling) bool {
	return l.source == source && l.destination == destination
}

// Connect builds the processor through the registry and publishes it. A
// leaf without a processor stays in the tree and produces nothing.
func (l *RecallRecycling) Connect(env *Env) error {
	if l.flags.Any(FlagDisposed) {
		return ErrDisposed
	}
	if l.Connected() {
		return nil
	}
	proc, err := env.Registry.build(l.ChildType(), LeafContext{
		Source:      l.source,
		Destination: l.destination,
		Format:      l.Format(),
		RecallID:    l.RecallID(),
		Logger:      env.Logger,
		leaf:        l,
	})
	if err != nil {
		return fmt.Errorf("connect leaf %s: %w", l.id, err)
	}
	if proc == nil {
		return nil
	}
	l.binding.Store(&leafBinding{proc: proc})
	return nil
}

// Disconnect unpublishes the processor. A tick already holding it may finish
// its block; the processor is finalized by Dispose.
func (l *RecallRecycling) Disconnect() {
	b := l.binding.Swap(nil)
	if b == nil {
		return
	}
	l.procMu.Lock()
	l.detached = b.proc
	l.procMu.Unlock()
}

// Cancel stops the leaf and notifies a Canceler processor.
func (l *RecallRecycling) Cancel() {
	if !l.flags.Set(FlagCancel) {
		return
	}
	if c, ok := l.Processor().(Canceler); ok {
		c.Cancel()
	}
}

// Dispose disconnects the leaf and hands the processor to env for finalize.
func (l *RecallRecycling) Dispose() {
	l.dispose(l.env())
}

func (l *RecallRecycling) dispose(env *Env) {
	if !l.flags.Set(FlagDisposed) {
		return
	}
	l.Disconnect()
	l.procMu.Lock()
	proc := l.detached
	l.detached = nil
	l.procMu.Unlock()
	if closer, ok := proc.(io.Closer); ok {
		env.reclaim.Retire(func() {
			if err := closer.Close(); err != nil {
				env.report(fmt.Errorf("finalize leaf %s: %w", l.id, err))
			}
		})
	}
}

func (l *RecallRecycling) env() *Env {
	if c := l.Container(); c != nil {
		return c.env
	}
	return NewEnv(nil, nil)
}

func (l *RecallRecycling) findPort(specifier string) *Port {
	if p := l.run.FindPort(specifier); p != nil {
		return p
	}
	if c := l.Container(); c != nil {
		return c.FindPort(specifier)
	}
	return nil
}

// runPre processes one block. It reports whether the processor ran.
func (l *RecallRecycling) runPre(tick uint64) bool {
	if l.flags.Any(FlagCancel | FlagDisposed | FlagDone | FlagRemove) {
		return false
	}
	b := l.binding.Load()
	if b == nil {
		return false
	}
	src := l.source.Buffer()
	frames := len(src)
	l.blk.Source = src
	l.blk.Destination = nil
	if l.destination != nil {
		dst := l.destination.Buffer()
		if len(dst) < frames {
			frames = len(dst)
		}
		l.blk.Destination = dst[:frames]
	}
	l.blk.Source = src[:frames]
	l.blk.Frames = frames
	l.blk.Tick = tick
	l.blk.SampleRate = l.format.SampleRate
	b.proc.Process(&l.blk)
	l.cursor.Add(uint64(frames))
	if f, ok := b.proc.(Finisher); ok && f.Done() {
		l.flags.Set(FlagDone)
	}
	return true
}

func (l *RecallRecycling) clone(*RecallID) Recall {
	// Leaves are created by the remap algorithm, never duplicated.
	return nil
}
