package leaf

import (
	"math"
	"sync/atomic"

	"github.com/cwbudde/algo-vecmath"

	"github.com/shaban/sequencer"
)

// Peak meters the absolute peak of the source of every block. The value is
// published to the "peak" port when the effect has one.
type Peak struct {
	port    *sequencer.Port
	scratch []float64
	last    atomic.Uint64
}

// NewPeak is the Factory of TypePeak.
func NewPeak(ctx sequencer.LeafContext) (sequencer.Processor, error) {
	return &Peak{
		port:    ctx.Port("peak"),
		scratch: make([]float64, ctx.Format.BufferSize),
	}, nil
}

// Process implements sequencer.Processor.
func (p *Peak) Process(b *sequencer.Block) {
	if b.Frames == 0 {
		return
	}
	if len(p.scratch) < b.Frames {
		p.scratch = make([]float64, b.Frames)
	}
	sq := p.scratch[:b.Frames]
	vecmath.MulBlock(sq, b.Source[:b.Frames], b.Source[:b.Frames])
	maxSq := 0.0
	for _, v := range sq {
		if v > maxSq {
			maxSq = v
		}
	}
	peak := math.Sqrt(maxSq)
	p.last.Store(math.Float64bits(peak))
	p.port.Set(peak)
}

// Last returns the peak of the last processed block.
func (p *Peak) Last() float64 { return math.Float64frombits(p.last.Load()) }
