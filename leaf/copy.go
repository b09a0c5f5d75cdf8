package leaf

import (
	"github.com/cwbudde/algo-vecmath"

	"github.com/shaban/sequencer"
)

// Copy mixes the source block into the destination, scaled by the gain port.
// The destination is added to, never overwritten; Engine.BeginCycle clears it.
type Copy struct {
	gain    *sequencer.Port
	scratch []float64
}

// NewCopy is the Factory of TypeCopy.
func NewCopy(ctx sequencer.LeafContext) (sequencer.Processor, error) {
	return &Copy{
		gain:    ctx.Port("gain"),
		scratch: make([]float64, ctx.Format.BufferSize),
	}, nil
}

// Process implements sequencer.Processor.
func (c *Copy) Process(b *sequencer.Block) {
	if b.Destination == nil || b.Frames == 0 {
		return
	}
	if len(c.scratch) < b.Frames {
		c.scratch = make([]float64, b.Frames)
	}
	tmp := c.scratch[:b.Frames]
	vecmath.ScaleBlock(tmp, b.Source[:b.Frames], portValue(c.gain, 1))
	vecmath.AddBlockInPlace(b.Destination[:b.Frames], tmp)
}
