package leaf

import (
	"sync/atomic"

	"github.com/shaban/sequencer"
)

// Countdown passes the source through for a number of blocks taken from the
// "blocks" port when it is created, then reports done.
type Countdown struct {
	copy *Copy
	left atomic.Int64
}

// NewCountdown is the Factory of TypeCountdown.
func NewCountdown(ctx sequencer.LeafContext) (sequencer.Processor, error) {
	cp, err := NewCopy(ctx)
	if err != nil {
		return nil, err
	}
	c := &Countdown{copy: cp.(*Copy)}
	c.left.Store(int64(portValue(ctx.Port("blocks"), 1)))
	return c, nil
}

// Process implements sequencer.Processor.
func (c *Countdown) Process(b *sequencer.Block) {
	if c.left.Load() <= 0 {
		return
	}
	c.copy.Process(b)
	c.left.Add(-1)
}

// Done implements sequencer.Finisher.
func (c *Countdown) Done() bool { return c.left.Load() <= 0 }

// Cancel implements sequencer.Canceler.
func (c *Countdown) Cancel() { c.left.Store(0) }
