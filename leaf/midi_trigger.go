package leaf

import (
	"math"
	"sync"

	"gitlab.com/gomidi/midi/v2"

	"github.com/shaban/sequencer"
)

// MIDITrigger turns the source into notes: a note starts when the block peak
// rises above the "threshold" port and ends when it falls below again.
type MIDITrigger struct {
	threshold *sequencer.Port
	velocity  *sequencer.Port
	channel   uint8
	key       uint8

	mu   sync.Mutex
	sink func(midi.Message)
	on   bool
}

// MIDITriggerFactory returns the Factory of TypeMIDITrigger. A nil sink
// drops every message.
func MIDITriggerFactory(sink func(midi.Message), channel, key uint8) sequencer.Factory {
	return func(ctx sequencer.LeafContext) (sequencer.Processor, error) {
		return &MIDITrigger{
			threshold: ctx.Port("threshold"),
			velocity:  ctx.Port("velocity"),
			channel:   channel,
			key:       key,
			sink:      sink,
		}, nil
	}
}

// Process implements sequencer.Processor.
func (t *MIDITrigger) Process(b *sequencer.Block) {
	peak := 0.0
	for _, v := range b.Source[:b.Frames] {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	above := peak > portValue(t.threshold, 0.5)

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case above && !t.on:
		t.on = true
		t.emit(midi.NoteOn(t.channel, t.key, t.noteVelocity()))
	case !above && t.on:
		t.on = false
		t.emit(midi.NoteOff(t.channel, t.key))
	}
}

// Cancel implements sequencer.Canceler. A held note is released.
func (t *MIDITrigger) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.on {
		t.on = false
		t.emit(midi.NoteOff(t.channel, t.key))
	}
}

// Held reports whether a note is sounding.
func (t *MIDITrigger) Held() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.on
}

func (t *MIDITrigger) noteVelocity() uint8 {
	v := portValue(t.velocity, 100)
	switch {
	case v < 1:
		return 1
	case v > 127:
		return 127
	}
	return uint8(v)
}

func (t *MIDITrigger) emit(msg midi.Message) {
	if t.sink != nil {
		t.sink(msg)
	}
}
