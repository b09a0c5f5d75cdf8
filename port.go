package sequencer

import (
	"math"
	"sync/atomic"
)

// Port is a named control value of an effect. The value is stored
// atomically so leaf processors read it from the tick without locking.
type Port struct {
	pluginName string
	specifier  string
	def        float64
	bits       atomic.Uint64
}

// NewPort creates a port holding def.
func NewPort(pluginName, specifier string, def float64) *Port {
	p := &Port{pluginName: pluginName, specifier: specifier, def: def}
	p.Set(def)
	return p
}

// PluginName returns the name of the effect owning the port.
func (p *Port) PluginName() string { return p.pluginName }

// Specifier returns the port name within its effect.
func (p *Port) Specifier() string { return p.specifier }

// Default returns the value the port was created with.
func (p *Port) Default() float64 { return p.def }

// Value returns the current value.
func (p *Port) Value() float64 {
	if p == nil {
		return 0
	}
	return math.Float64frombits(p.bits.Load())
}

// Set stores v.
func (p *Port) Set(v float64) {
	if p == nil {
		return
	}
	p.bits.Store(math.Float64bits(v))
}

// Reset restores the default value.
func (p *Port) Reset() { p.Set(p.def) }
