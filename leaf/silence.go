package leaf

import "github.com/shaban/sequencer"

// Silence clears the destination block, or the source of a pass-through leaf.
type Silence struct{}

// NewSilence is the Factory of TypeSilence.
func NewSilence(sequencer.LeafContext) (sequencer.Processor, error) { return Silence{}, nil }

// Process implements sequencer.Processor.
func (Silence) Process(b *sequencer.Block) {
	if b.Destination != nil {
		clear(b.Destination[:b.Frames])
		return
	}
	clear(b.Source[:b.Frames])
}
