package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// RunState is the mapping state of a RecallChannelRun.
type RunState int

const (
	StateUninitialized RunState = iota
	StateMapped
	StateRemapping
	StateTemplateOnly
)

func (s RunState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateMapped:
		return "mapped"
	case StateRemapping:
		return "remapping"
	case StateTemplateOnly:
		return "template-only"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RecallChannelRun covers the recyclings of a source channel, optionally
// paired with those of a destination channel, with one RecallRecycling per
// pair. It keeps its children in step with the spans as they change.
type RecallChannelRun struct {
	Base
	recallChannel *RecallChannel

	// remapMu serializes mapping, remapping and disposal of the run.
	remapMu sync.Mutex

	// guarded by Base.mu
	source       *Channel
	destination  *Channel
	state        RunState
	sourceRegion Region
	destRegion   Region
	audioRun     *RecallAudioRun
}

// NewRecallChannelRun creates a template covering source, paired with
// destination when it is not nil.
func NewRecallChannelRun(channel *RecallChannel, source, destination *Channel, name string, opts ...TemplateOption) *RecallChannelRun {
	r := &RecallChannelRun{
		recallChannel: channel,
		source:        source,
		destination:   destination,
		state:         StateTemplateOnly,
	}
	initTemplate(&r.Base, r, KindChannelRun, name, opts...)
	return r
}

func (r *RecallChannelRun) clone(id *RecallID) Recall {
	r.mu.RLock()
	d := &RecallChannelRun{
		recallChannel: r.recallChannel,
		source:        r.source,
		destination:   r.destination,
		state:         StateUninitialized,
	}
	r.mu.RUnlock()
	r.duplicateInto(&d.Base, d, id)
	return d
}

// RecallChannel returns the channel-wide recall the run belongs to.
func (r *RecallChannelRun) RecallChannel() *RecallChannel { return r.recallChannel }

// Source returns the source channel.
func (r *RecallChannelRun) Source() *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.source
}

// Destination returns the destination channel or nil.
func (r *RecallChannelRun) Destination() *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.destination
}

// State returns the mapping state.
func (r *RecallChannelRun) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// SourceRegion returns the source span the children currently cover.
func (r *RecallChannelRun) SourceRegion() Region {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append(Region(nil), r.sourceRegion...)
}

// DestinationRegion returns the destination span the children currently cover.
func (r *RecallChannelRun) DestinationRegion() Region {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append(Region(nil), r.destRegion...)
}

// AudioRun returns the audio run of the same run, or nil.
func (r *RecallChannelRun) AudioRun() *RecallAudioRun {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.audioRun
}

func (r *RecallChannelRun) bindAudioRun(ar *RecallAudioRun) {
	r.mu.Lock()
	r.audioRun = ar
	r.mu.Unlock()
}

// Leaves returns the RecallRecycling children.
func (r *RecallChannelRun) Leaves() []*RecallRecycling {
	var out []*RecallRecycling
	for _, c := range r.children.Load() {
		if l, ok := c.(*RecallRecycling); ok {
			out = append(out, l)
		}
	}
	return out
}

// LiveLeaves returns the children that are not cancelled or disposed.
func (r *RecallChannelRun) LiveLeaves() []*RecallRecycling {
	var out []*RecallRecycling
	for _, l := range r.Leaves() {
		if l.Live() {
			out = append(out, l)
		}
	}
	return out
}

// LeavesDone reports whether the run has leaves and every live one is done.
func (r *RecallChannelRun) LeavesDone() bool {
	leaves := r.LiveLeaves()
	if len(leaves) == 0 {
		return false
	}
	for _, l := range leaves {
		if !l.Done() {
			return false
		}
	}
	return true
}

func (r *RecallChannelRun) env() *Env {
	if c := r.Container(); c != nil {
		return c.env
	}
	return NewEnv(nil, nil)
}

// inactive reports whether structural work must be skipped.
func (r *RecallChannelRun) inactive() bool {
	return r.flags.Any(FlagTemplate | FlagDisposed | FlagCancel)
}

// MapRecallRecycling instantiates one leaf per (source, destination) pair,
// or one per source recycling without a destination. Templates, runs
// without a source or child type, and already mapped runs are left alone.
func (r *RecallChannelRun) MapRecallRecycling(ctx context.Context) error {
	r.remapMu.Lock()
	defer r.remapMu.Unlock()
	return r.mapLocked(ctx)
}

func (r *RecallChannelRun) mapLocked(ctx context.Context) error {
	if r.inactive() {
		return nil
	}
	r.mu.RLock()
	src, dst, state := r.source, r.destination, r.state
	r.mu.RUnlock()
	if state != StateUninitialized || src == nil || r.ChildType() == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	env := r.env()
	_, span := env.startSpan(ctx, "RecallChannelRun.MapRecallRecycling", recallAttrs(r)...)
	start := time.Now()

	srcRg := src.Region()
	var dstRg Region
	if dst != nil {
		dstRg = dst.Region()
	}
	added := 0
	for _, s := range srcRg {
		added += r.addFor(env, s, dstRg, dst != nil)
	}

	r.mu.Lock()
	r.state = StateMapped
	r.sourceRegion = srcRg
	r.destRegion = dstRg
	r.mu.Unlock()

	env.Metrics.OnRemap(r.id, 0, added, time.Since(start))
	span.SetAttributes(attribute.Int("leaves.added", added))
	endSpan(span, nil)
	return nil
}

// addFor adds the leaves of source recycling s against the destination span.
func (r *RecallChannelRun) addFor(env *Env, s *Recycling, dst Region, bound bool) int {
	if !bound {
		return r.addLeaf(env, s, nil)
	}
	n := 0
	for _, d := range dst {
		n += r.addLeaf(env, s, d)
	}
	return n
}

// addLeaf instantiates, connects and adds one leaf unless a live leaf for
// the pair already exists.
func (r *RecallChannelRun) addLeaf(env *Env, s, d *Recycling) int {
	for _, l := range r.LiveLeaves() {
		if l.matches(s, d) {
			return 0
		}
	}
	l := newRecallRecycling(r, s, d)
	r.adopt(l)
	if err := l.Connect(env); err != nil {
		env.report(err)
	}
	r.children.Append(l)
	return 1
}

// tearDown cancels every leaf matching, then removes, disconnects and
// disposes them. Cancellation completes before the first removal.
func (r *RecallChannelRun) tearDown(env *Env, match func(*RecallRecycling) bool) int {
	var matched []*RecallRecycling
	set := make(map[Recall]struct{})
	for _, l := range r.Leaves() {
		if match(l) {
			matched = append(matched, l)
			set[l] = struct{}{}
		}
	}
	if len(matched) == 0 {
		return 0
	}
	for _, l := range matched {
		l.Cancel()
	}
	r.children.RemoveFunc(func(c Recall) bool {
		_, ok := set[c]
		return ok
	})
	for _, l := range matched {
		l.Base.mu.Lock()
		l.parent = nil
		l.Base.mu.Unlock()
		l.Disconnect()
		l.dispose(env)
	}
	return len(matched)
}

func sourceIn(rg Region) func(*RecallRecycling) bool {
	return func(l *RecallRecycling) bool { return rg.Contains(l.source) }
}

func destinationIn(rg Region) func(*RecallRecycling) bool {
	return func(l *RecallRecycling) bool { return l.destination != nil && rg.Contains(l.destination) }
}

// RemapChildSource tears down every leaf whose source lies in old but not in
// next, then adds the missing leaves of every recycling of next against the
// current destination span. Leaves of recyclings in both are kept. Empty old
// and next regions make it a no-op.
func (r *RecallChannelRun) RemapChildSource(ctx context.Context, old, next Region) error {
	r.remapMu.Lock()
	defer r.remapMu.Unlock()
	return r.remapSource(ctx, old, next, func(cached Region) Region {
		return applyDelta(cached, old, next)
	})
}

// RemapChildDestination is RemapChildSource for the destination side.
func (r *RecallChannelRun) RemapChildDestination(ctx context.Context, old, next Region) error {
	r.remapMu.Lock()
	defer r.remapMu.Unlock()
	return r.remapDestination(ctx, old, next, func(cached Region) Region {
		return applyDelta(cached, old, next)
	})
}

// Remap applies a simultaneous change of both sides: the destination first,
// against the old source span, then the source against the new destination.
func (r *RecallChannelRun) Remap(ctx context.Context, srcOld, srcNew, dstOld, dstNew Region) error {
	r.remapMu.Lock()
	defer r.remapMu.Unlock()
	if err := r.remapDestination(ctx, dstOld, dstNew, func(cached Region) Region {
		return applyDelta(cached, dstOld, dstNew)
	}); err != nil {
		return err
	}
	return r.remapSource(ctx, srcOld, srcNew, func(cached Region) Region {
		return applyDelta(cached, srcOld, srcNew)
	})
}

// RecyclingChanged applies span changes of the source and destination
// channels; either may be nil. When the covered span equals the change's
// old span only the changed sub-spans are remapped, otherwise the covered
// span is reconciled with the new span. Stale or repeated changes are
// therefore harmless.
func (r *RecallChannelRun) RecyclingChanged(ctx context.Context, source, destination *RecyclingChange) error {
	r.remapMu.Lock()
	defer r.remapMu.Unlock()
	if destination != nil && r.Destination() == destination.Channel {
		old, next := r.delta(r.DestinationRegion(), *destination)
		if err := r.remapDestination(ctx, old, next, func(Region) Region {
			return append(Region(nil), destination.New...)
		}); err != nil {
			return err
		}
	}
	if source != nil && r.Source() == source.Channel {
		old, next := r.delta(r.SourceRegion(), *source)
		return r.remapSource(ctx, old, next, func(Region) Region {
			return append(Region(nil), source.New...)
		})
	}
	return nil
}

func (r *RecallChannelRun) delta(cached Region, ch RecyclingChange) (old, next Region) {
	if cached.Equal(ch.Old) {
		return ch.OldChanged, ch.NewChanged
	}
	return subtract(cached, ch.New), subtract(ch.New, cached)
}

// beginRemap moves a mapped run into StateRemapping. It reports false for
// runs remapping must not touch.
func (r *RecallChannelRun) beginRemap() bool {
	if r.inactive() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateMapped {
		return false
	}
	r.state = StateRemapping
	return true
}

func (r *RecallChannelRun) remapSource(ctx context.Context, old, next Region, update func(Region) Region) error {
	if len(old) == 0 && len(next) == 0 {
		return nil
	}
	if !r.beginRemap() {
		return nil
	}
	env := r.env()
	_, span := env.startSpan(ctx, "RecallChannelRun.RemapChildSource", recallAttrs(r)...)
	start := time.Now()

	removed := 0
	if gone := subtract(old, next); len(gone) > 0 {
		removed = r.tearDown(env, sourceIn(gone))
	}
	r.mu.RLock()
	dstRg, bound := r.destRegion, r.destination != nil
	r.mu.RUnlock()
	added := 0
	for _, s := range next {
		added += r.addFor(env, s, dstRg, bound)
	}

	r.finishRemap(func() { r.sourceRegion = update(r.sourceRegion) })
	env.Metrics.OnRemap(r.id, removed, added, time.Since(start))
	span.SetAttributes(attribute.Int("leaves.removed", removed), attribute.Int("leaves.added", added))
	endSpan(span, nil)
	return nil
}

func (r *RecallChannelRun) remapDestination(ctx context.Context, old, next Region, update func(Region) Region) error {
	if len(old) == 0 && len(next) == 0 {
		return nil
	}
	if r.Destination() == nil || !r.beginRemap() {
		return nil
	}
	env := r.env()
	_, span := env.startSpan(ctx, "RecallChannelRun.RemapChildDestination", recallAttrs(r)...)
	start := time.Now()

	removed := 0
	if gone := subtract(old, next); len(gone) > 0 {
		removed = r.tearDown(env, destinationIn(gone))
	}
	r.mu.RLock()
	srcRg := r.sourceRegion
	r.mu.RUnlock()
	added := 0
	for _, d := range next {
		for _, s := range srcRg {
			added += r.addLeaf(env, s, d)
		}
	}

	r.finishRemap(func() { r.destRegion = update(r.destRegion) })
	env.Metrics.OnRemap(r.id, removed, added, time.Since(start))
	span.SetAttributes(attribute.Int("leaves.removed", removed), attribute.Int("leaves.added", added))
	endSpan(span, nil)
	return nil
}

func (r *RecallChannelRun) finishRemap(update func()) {
	r.mu.Lock()
	update()
	r.state = StateMapped
	r.mu.Unlock()
}

// SetSource rebinds the source channel. Instances drop every leaf and map
// afresh.
func (r *RecallChannelRun) SetSource(ctx context.Context, c *Channel) error {
	return r.rebind(ctx, func() { r.source = c })
}

// SetDestination rebinds the destination channel; nil makes the run a
// pass-through.
func (r *RecallChannelRun) SetDestination(ctx context.Context, c *Channel) error {
	return r.rebind(ctx, func() { r.destination = c })
}

func (r *RecallChannelRun) rebind(ctx context.Context, set func()) error {
	r.remapMu.Lock()
	defer r.remapMu.Unlock()
	r.mu.Lock()
	set()
	r.mu.Unlock()
	if r.inactive() {
		return nil
	}
	r.tearDown(r.env(), func(*RecallRecycling) bool { return true })
	r.mu.Lock()
	r.state = StateUninitialized
	r.sourceRegion, r.destRegion = nil, nil
	r.mu.Unlock()
	return r.mapLocked(ctx)
}

// Dispose waits for a running remap, then disposes the run and its leaves.
func (r *RecallChannelRun) Dispose() {
	r.remapMu.Lock()
	defer r.remapMu.Unlock()
	r.Base.Dispose()
	r.mu.Lock()
	r.sourceRegion, r.destRegion = nil, nil
	r.audioRun = nil
	r.mu.Unlock()
}

// runPre processes every leaf for one tick and returns how many ran.
func (r *RecallChannelRun) runPre(tick uint64) int {
	if r.flags.Any(FlagTemplate | FlagCancel | FlagDisposed) {
		return 0
	}
	n := 0
	for _, c := range r.children.Load() {
		if l, ok := c.(*RecallRecycling); ok && l.runPre(tick) {
			n++
		}
	}
	return n
}

// applyDelta removes old from cached and inserts the members of next that
// are missing, next to their linked neighbour when it is covered.
func applyDelta(cached, old, next Region) Region {
	out := subtract(cached, old)
	var add Region
	for _, r := range next {
		if !out.Contains(r) && !add.Contains(r) {
			add = append(add, r)
		}
	}
	if len(add) == 0 {
		return out
	}
	at := len(out)
	if k := out.index(add.First().Prev()); k >= 0 {
		at = k + 1
	} else if k := out.index(add.Last().Next()); k >= 0 {
		at = k
	}
	merged := make(Region, 0, len(out)+len(add))
	merged = append(merged, out[:at]...)
	merged = append(merged, add...)
	merged = append(merged, out[at:]...)
	return merged
}
