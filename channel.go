package sequencer

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Direction tells whether a channel is an input or an output of its audio.
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

// Channel spans a contiguous run of recyclings (first..last) and remembers
// the recall ids of every run it takes part in.
type Channel struct {
	id        uuid.UUID
	name      string
	audio     *Audio
	direction Direction
	index     int

	mu    sync.RWMutex
	first *Recycling
	last  *Recycling
	link  *Channel

	recallIDs cowList[*RecallID]
}

func newChannel(audio *Audio, name string, dir Direction, index int) *Channel {
	return &Channel{
		id:        uuid.New(),
		name:      name,
		audio:     audio,
		direction: dir,
		index:     index,
	}
}

// ID returns the channel UUID.
func (c *Channel) ID() uuid.UUID { return c.id }

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Audio returns the owning audio.
func (c *Channel) Audio() *Audio { return c.audio }

// Direction returns Input or Output.
func (c *Channel) Direction() Direction { return c.direction }

// Index returns the audio channel index of the channel.
func (c *Channel) Index() int { return c.index }

// FirstRecycling returns the first recycling of the span or nil.
func (c *Channel) FirstRecycling() *Recycling {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.first
}

// LastRecycling returns the last recycling of the span or nil.
func (c *Channel) LastRecycling() *Recycling {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Region returns the current span. The channel lock is released before the
// recyclings are walked.
func (c *Channel) Region() Region {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	first, last := c.first, c.last
	c.mu.RUnlock()
	return RegionOf(first, last)
}

// Link returns the channel this one is linked with, or nil.
func (c *Channel) Link() *Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link
}

func (c *Channel) setSpan(rg Region) {
	c.mu.Lock()
	c.first, c.last = rg.First(), rg.Last()
	c.mu.Unlock()
}

func (c *Channel) setLink(other *Channel) {
	c.mu.Lock()
	c.link = other
	c.mu.Unlock()
}

// RecallIDs returns the recall ids of the runs the channel takes part in.
func (c *Channel) RecallIDs() []*RecallID { return c.recallIDs.Snapshot() }

// AddRecallID registers id on the channel. Adding twice is a no-op.
func (c *Channel) AddRecallID(id *RecallID) {
	if id == nil || c.recallIDs.Contains(id) {
		return
	}
	c.recallIDs.Append(id)
}

// RemoveRecallID unregisters id.
func (c *Channel) RemoveRecallID(id *RecallID) bool { return c.recallIDs.Remove(id) }

// Audio groups input and output channels, the unit an effect is installed on.
type Audio struct {
	id   uuid.UUID
	name string

	outputs cowList[*Channel]
	inputs  cowList[*Channel]

	containers cowList[*RecallContainer]
}

// NewAudio creates an audio with the given channel counts. Every channel
// starts with one recycling of bufferSize frames. Recyclings of the inputs
// and of the outputs each form one linked list in channel order.
func NewAudio(name string, inputs, outputs, bufferSize int) *Audio {
	a := &Audio{id: uuid.New(), name: name}
	a.inputs.Append(a.buildChannels(Input, inputs, bufferSize)...)
	a.outputs.Append(a.buildChannels(Output, outputs, bufferSize)...)
	return a
}

func (a *Audio) buildChannels(dir Direction, n, bufferSize int) []*Channel {
	var (
		out  []*Channel
		prev *Recycling
	)
	for i := 0; i < n; i++ {
		c := newChannel(a, channelName(a.name, dir, i), dir, i)
		r := NewRecycling(bufferSize)
		r.setChannel(c)
		link(prev, r)
		prev = r
		c.setSpan(Region{r})
		out = append(out, c)
	}
	return out
}

func channelName(audio string, dir Direction, i int) string {
	return fmt.Sprintf("%s/%s/%d", audio, dir, i)
}

// ID returns the audio UUID.
func (a *Audio) ID() uuid.UUID { return a.id }

// Name returns the audio name.
func (a *Audio) Name() string { return a.name }

// Inputs returns the input channels.
func (a *Audio) Inputs() []*Channel { return a.inputs.Snapshot() }

// Outputs returns the output channels.
func (a *Audio) Outputs() []*Channel { return a.outputs.Snapshot() }

// Input returns the input channel at index i or nil.
func (a *Audio) Input(i int) *Channel { return channelAt(a.inputs.Load(), i) }

// Output returns the output channel at index i or nil.
func (a *Audio) Output(i int) *Channel { return channelAt(a.outputs.Load(), i) }

// Channels returns inputs followed by outputs.
func (a *Audio) Channels() []*Channel {
	return append(a.Inputs(), a.outputs.Load()...)
}

// Containers returns the effects installed on the audio.
func (a *Audio) Containers() []*RecallContainer { return a.containers.Snapshot() }

func channelAt(cs []*Channel, i int) *Channel {
	if i < 0 || i >= len(cs) {
		return nil
	}
	return cs[i]
}
