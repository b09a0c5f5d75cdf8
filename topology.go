package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// RecyclingChange reports that a channel's first/last recycling moved.
// Old and New are the full spans; OldChanged is the part of Old that is
// gone and NewChanged the part of New that was added.
type RecyclingChange struct {
	Channel    *Channel
	Old        Region
	New        Region
	OldChanged Region
	NewChanged Region
}

// NewRecyclingChange computes the changed sub-spans of a span move.
func NewRecyclingChange(c *Channel, old, next Region) RecyclingChange {
	removed, added := DiffRegions(old, next)
	return RecyclingChange{
		Channel:    c,
		Old:        old,
		New:        next,
		OldChanged: removed,
		NewChanged: added,
	}
}

// Empty reports whether the change moves nothing.
func (c RecyclingChange) Empty() bool { return c.Old.Equal(c.New) }

// Observer receives the changes of one topology mutation as a batch.
// Observers must not call back into the Topology that notifies them.
type Observer interface {
	RecyclingChanged(ctx context.Context, changes ...RecyclingChange) error
}

// ObserverFunc adapts a function into an Observer.
type ObserverFunc func(ctx context.Context, changes ...RecyclingChange) error

func (f ObserverFunc) RecyclingChanged(ctx context.Context, changes ...RecyclingChange) error {
	return f(ctx, changes...)
}

var errNotOwner = errors.New("channel does not own its recyclings")

// Topology is the channel-topology manager: it moves recycling spans and
// tells observers about it. Mutations and notifications are serialized, so
// observers see batches in mutation order.
type Topology struct {
	mu         sync.Mutex
	bufferSize int
	observers  cowList[*observerEntry]
	logger     *slog.Logger
}

type observerEntry struct{ o Observer }

// NewTopology creates a topology manager for recyclings of bufferSize frames.
func NewTopology(bufferSize int, logger *slog.Logger) *Topology {
	if logger == nil {
		logger = slog.Default()
	}
	return &Topology{bufferSize: bufferSize, logger: logger.With("component", "topology")}
}

// Observe registers o and returns a function removing it again.
func (t *Topology) Observe(o Observer) (remove func()) {
	e := &observerEntry{o: o}
	t.observers.Append(e)
	return func() { t.observers.Remove(e) }
}

// Link makes the input share the recyclings of the output. A previous link
// of either side is broken first.
func (t *Topology) Link(ctx context.Context, in, out *Channel) error {
	if in == nil || out == nil {
		return errors.New("link: nil channel")
	}
	if in.Direction() != Input || out.Direction() != Output {
		return fmt.Errorf("link: %s must be an input and %s an output", in.Name(), out.Name())
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var changes []RecyclingChange
	if prev := out.Link(); prev != nil && prev != in {
		changes = append(changes, t.detach(prev))
	}
	if prev := in.Link(); prev != nil && prev != out {
		prev.setLink(nil)
	}
	old := in.Region()
	in.setSpan(out.Region())
	in.setLink(out)
	out.setLink(in)
	changes = append(changes, NewRecyclingChange(in, old, in.Region()))
	t.logger.Debug("linked", "input", in.Name(), "output", out.Name())
	return t.notify(ctx, changes)
}

// Unlink gives a linked input a fresh recycling of its own.
func (t *Topology) Unlink(ctx context.Context, in *Channel) error {
	if in == nil {
		return errors.New("unlink: nil channel")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if in.Link() == nil {
		return nil
	}
	return t.notify(ctx, []RecyclingChange{t.detach(in)})
}

func (t *Topology) detach(in *Channel) RecyclingChange {
	if out := in.Link(); out != nil {
		out.setLink(nil)
	}
	in.setLink(nil)
	old := in.Region()
	r := NewRecycling(t.bufferSize)
	r.setChannel(in)
	in.setSpan(Region{r})
	t.logger.Debug("unlinked", "input", in.Name())
	return NewRecyclingChange(in, old, Region{r})
}

// Grow appends n fresh recyclings after the channel's last recycling.
func (t *Topology) Grow(ctx context.Context, c *Channel, n int) error {
	if n <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOwner(c); err != nil {
		return err
	}
	old := c.Region()
	last := old.Last()
	var after *Recycling
	if last != nil {
		after = last.Next()
	}
	next := append(Region(nil), old...)
	prev := last
	for i := 0; i < n; i++ {
		r := NewRecycling(t.bufferSize)
		r.setChannel(c)
		link(prev, r)
		prev = r
		next = append(next, r)
	}
	link(prev, after)
	return t.notify(ctx, t.move(c, old, next))
}

// Shrink removes the last n recyclings of the channel. A channel may end up
// spanning nothing.
func (t *Topology) Shrink(ctx context.Context, c *Channel, n int) error {
	if n <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOwner(c); err != nil {
		return err
	}
	old := c.Region()
	if n > len(old) {
		n = len(old)
	}
	if n == 0 {
		return nil
	}
	keep, drop := old[:len(old)-n], old[len(old)-n:]
	after := drop.Last().Next()
	link(keep.Last(), after)
	link(drop.Last(), nil)
	link(nil, drop.First())
	for _, r := range drop {
		r.setChannel(nil)
	}
	return t.notify(ctx, t.move(c, old, append(Region(nil), keep...)))
}

// SetRecyclings replaces the span of an owning channel with rg, which must
// be a linked chain.
func (t *Topology) SetRecyclings(ctx context.Context, c *Channel, rg Region) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOwner(c); err != nil {
		return err
	}
	for i := 1; i < len(rg); i++ {
		if rg[i-1].Next() != rg[i] {
			return fmt.Errorf("set recyclings: %s: region is not a linked chain", c.Name())
		}
	}
	for _, r := range rg {
		r.setChannel(c)
	}
	return t.notify(ctx, t.move(c, c.Region(), append(Region(nil), rg...)))
}

func (t *Topology) checkOwner(c *Channel) error {
	if c == nil {
		return errors.New("nil channel")
	}
	if c.Direction() == Input && c.Link() != nil {
		return fmt.Errorf("%s: %w", c.Name(), errNotOwner)
	}
	return nil
}

// move sets the span of c and of an input sharing it. A linked input always
// spans what its output spans, so old is its old span too; the chain may
// already be relinked and cannot be walked again.
func (t *Topology) move(c *Channel, old, next Region) []RecyclingChange {
	c.setSpan(next)
	changes := []RecyclingChange{NewRecyclingChange(c, old, next)}
	if c.Direction() == Output {
		if in := c.Link(); in != nil {
			in.setSpan(next)
			changes = append(changes, NewRecyclingChange(in, old, next))
		}
	}
	return changes
}

func (t *Topology) notify(ctx context.Context, changes []RecyclingChange) error {
	var batch []RecyclingChange
	for _, ch := range changes {
		if !ch.Empty() {
			batch = append(batch, ch)
		}
	}
	if len(batch) == 0 {
		return nil
	}
	var errs []error
	for _, e := range t.observers.Load() {
		if err := e.o.RecyclingChanged(ctx, batch...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
