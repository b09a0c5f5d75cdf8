package leaf

import (
	"gitlab.com/gomidi/midi/v2"

	"github.com/shaban/sequencer"
)

// Child type names.
const (
	TypeCopy        = "copy"
	TypePeak        = "peak"
	TypeSilence     = "silence"
	TypeCountdown   = "countdown"
	TypeMIDITrigger = "midi-trigger"
)

type options struct {
	sink    func(midi.Message)
	channel uint8
	key     uint8
}

// Option configures RegisterDefaults.
type Option func(*options)

// WithMIDISink sets where midi-trigger leaves send their messages.
func WithMIDISink(sink func(midi.Message)) Option {
	return func(o *options) { o.sink = sink }
}

// WithMIDINote sets the MIDI channel and key midi-trigger leaves play.
func WithMIDINote(channel, key uint8) Option {
	return func(o *options) { o.channel, o.key = channel, key }
}

// RegisterDefaults installs every built-in processor into r.
func RegisterDefaults(r *sequencer.Registry, opts ...Option) error {
	o := options{channel: 9, key: 36}
	for _, opt := range opts {
		opt(&o)
	}
	for _, reg := range []struct {
		name    string
		factory sequencer.Factory
	}{
		{TypeCopy, NewCopy},
		{TypePeak, NewPeak},
		{TypeSilence, NewSilence},
		{TypeCountdown, NewCountdown},
		{TypeMIDITrigger, MIDITriggerFactory(o.sink, o.channel, o.key)},
	} {
		if err := r.Register(reg.name, reg.factory); err != nil {
			return err
		}
	}
	return nil
}

// DefaultRegistry returns a registry holding every built-in processor.
func DefaultRegistry(opts ...Option) *sequencer.Registry {
	r := sequencer.NewRegistry()
	if err := RegisterDefaults(r, opts...); err != nil {
		panic("leaf registry: " + err.Error())
	}
	return r
}

// portValue reads a port, falling back to def when the effect has none.
func portValue(p *sequencer.Port, def float64) float64 {
	if p == nil {
		return def
	}
	return p.Value()
}
