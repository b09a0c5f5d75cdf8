package sequencer

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/shaban/sequencer/config"
)

// RecallContainer groups the templates of one effect on one audio with
// every instance duplicated from them.
type RecallContainer struct {
	id    uuid.UUID
	name  string
	audio *Audio
	env   *Env

	recallAudio cowList[*RecallAudio]
	audioRuns   cowList[*RecallAudioRun]
	channels    cowList[*RecallChannel]
	channelRuns cowList[*RecallChannelRun]
}

// NewRecallContainer creates an empty container for the named effect.
func NewRecallContainer(name string, audio *Audio, env *Env) *RecallContainer {
	if env == nil {
		env = NewEnv(nil, nil)
	}
	return &RecallContainer{id: uuid.New(), name: name, audio: audio, env: env.withDefaults()}
}

// ID returns the container UUID.
func (c *RecallContainer) ID() uuid.UUID { return c.id }

// Name returns the plugin name of the effect.
func (c *RecallContainer) Name() string { return c.name }

// Audio returns the audio the effect is installed on.
func (c *RecallContainer) Audio() *Audio { return c.audio }

// Env returns the collaborators shared by the container's recalls.
func (c *RecallContainer) Env() *Env { return c.env }

// Add registers a template or instance in the list matching its kind.
func (c *RecallContainer) Add(r Recall) error {
	switch v := r.(type) {
	case *RecallAudio:
		c.recallAudio.Append(v)
	case *RecallAudioRun:
		c.audioRuns.Append(v)
	case *RecallChannel:
		c.channels.Append(v)
	case *RecallChannelRun:
		c.channelRuns.Append(v)
	default:
		return fmt.Errorf("container %s: cannot hold %s", c.name, r.Kind())
	}
	r.base().setContainer(c)
	return nil
}

// Remove unregisters r and reports whether it was held.
func (c *RecallContainer) Remove(r Recall) bool {
	switch v := r.(type) {
	case *RecallAudio:
		return c.recallAudio.Remove(v)
	case *RecallAudioRun:
		return c.audioRuns.Remove(v)
	case *RecallChannel:
		return c.channels.Remove(v)
	case *RecallChannelRun:
		return c.channelRuns.Remove(v)
	}
	return false
}

// RecallAudio returns the audio-wide template, or nil.
func (c *RecallContainer) RecallAudio() *RecallAudio {
	for _, r := range c.recallAudio.Load() {
		if r.IsTemplate() {
			return r
		}
	}
	return nil
}

// AudioRuns returns the audio run templates and instances.
func (c *RecallContainer) AudioRuns() []*RecallAudioRun { return c.audioRuns.Snapshot() }

// RecallChannels returns the channel templates.
func (c *RecallContainer) RecallChannels() []*RecallChannel { return c.channels.Snapshot() }

// ChannelRuns returns the channel run templates and instances.
func (c *RecallContainer) ChannelRuns() []*RecallChannelRun { return c.channelRuns.Snapshot() }

// All returns every recall of the container in level order.
func (c *RecallContainer) All() []Recall {
	var out []Recall
	for _, r := range c.recallAudio.Load() {
		out = append(out, r)
	}
	for _, r := range c.audioRuns.Load() {
		out = append(out, r)
	}
	for _, r := range c.channels.Load() {
		out = append(out, r)
	}
	for _, r := range c.channelRuns.Load() {
		out = append(out, r)
	}
	return out
}

// Templates returns the templates of the container.
func (c *RecallContainer) Templates() []Recall {
	return c.filter(func(r Recall) bool { return r.IsTemplate() })
}

// Instances returns every duplicated recall.
func (c *RecallContainer) Instances() []Recall {
	return c.filter(func(r Recall) bool { return !r.IsTemplate() })
}

// Find returns the instances duplicated for id.
func (c *RecallContainer) Find(id *RecallID) []Recall {
	return c.filter(func(r Recall) bool { return !r.IsTemplate() && r.RecallID() == id })
}

// FindByContext returns the instances whose recall id is bound to ctx.
func (c *RecallContainer) FindByContext(ctx *RecyclingContext) []Recall {
	return c.filter(func(r Recall) bool {
		return !r.IsTemplate() && r.RecallID() != nil && r.RecallID().Context() == ctx
	})
}

// InstancesOf returns the instances duplicated from template.
func (c *RecallContainer) InstancesOf(template Recall) []Recall {
	return c.filter(func(r Recall) bool { return r.Template() == template })
}

// AudioRunFor returns the audio run instance of id, or nil.
func (c *RecallContainer) AudioRunFor(id *RecallID) *RecallAudioRun {
	for _, r := range c.audioRuns.Load() {
		if !r.IsTemplate() && r.RecallID() == id {
			return r
		}
	}
	return nil
}

// ChannelRunsFor returns the channel run instances of id.
func (c *RecallContainer) ChannelRunsFor(id *RecallID) []*RecallChannelRun {
	return c.channelRuns.Filter(func(r *RecallChannelRun) bool {
		return !r.IsTemplate() && r.RecallID() == id
	})
}

// ChannelRunTemplate returns the channel run template whose source is ch.
func (c *RecallContainer) ChannelRunTemplate(ch *Channel) *RecallChannelRun {
	r, _ := c.channelRuns.Find(func(r *RecallChannelRun) bool {
		return r.IsTemplate() && r.Source() == ch
	})
	return r
}

func (c *RecallContainer) filter(fn func(Recall) bool) []Recall {
	var out []Recall
	for _, r := range c.All() {
		if fn(r) {
			out = append(out, r)
		}
	}
	return out
}

// FindPort returns the audio-wide port with the given specifier, falling
// back to the first template exposing it.
func (c *RecallContainer) FindPort(specifier string) *Port {
	if ra := c.RecallAudio(); ra != nil {
		if p := ra.FindPort(specifier); p != nil {
			return p
		}
	}
	for _, r := range c.Templates() {
		if p := r.base().FindPort(specifier); p != nil {
			return p
		}
	}
	return nil
}

// FindChannelPort returns the port of the channel run template covering the
// channel at index, falling back to FindPort.
func (c *RecallContainer) FindChannelPort(specifier string, index int) *Port {
	for _, r := range c.channelRuns.Load() {
		if src := r.Source(); r.IsTemplate() && src != nil && src.Index() == index {
			if p := r.FindPort(specifier); p != nil {
				return p
			}
		}
	}
	return c.FindPort(specifier)
}

// DuplicateOption adjusts one duplication.
type DuplicateOption func(*duplication)

type duplication struct {
	props         []property
	templateScope bool
}

type property struct {
	name  string
	value any
}

// WithProperty overrides one scalar property of the instance: samplerate,
// buffer-size, format, pad, audio-channel, output-soundcard-channel or
// input-soundcard-channel.
func WithProperty(name string, value any) DuplicateOption {
	return func(d *duplication) { d.props = append(d.props, property{name, value}) }
}

// ForTemplateScope duplicates an audio-wide recall for a consumer running at
// template scope. No recall id is needed then.
func ForTemplateScope() DuplicateOption {
	return func(d *duplication) { d.templateScope = true }
}

// Duplicate clones template for the run id and registers the instance. The
// instance has no children; they are created when it is mapped.
//
// A channel run with a destination is only duplicated when the destination
// takes part in a run whose context shares the parent of id's context;
// otherwise ErrTopologyMismatch is returned and nothing is registered.
func (c *RecallContainer) Duplicate(template Recall, id *RecallID, opts ...DuplicateOption) (Recall, error) {
	if template == nil || !template.IsTemplate() {
		return nil, ErrNotTemplate
	}
	var d duplication
	for _, opt := range opts {
		opt(&d)
	}
	kind := template.Kind()
	if id == nil {
		if !d.templateScope || (kind != KindAudio && kind != KindAudioRun) {
			return nil, fmt.Errorf("duplicate %s %s: %w", kind, template.Name(), ErrNoRecallID)
		}
	}
	if run, ok := template.(*RecallChannelRun); ok && id != nil {
		if dst := run.Destination(); dst != nil {
			var candidates []*RecyclingContext
			for _, rid := range dst.RecallIDs() {
				candidates = append(candidates, rid.Context())
			}
			if FindRecyclingContext(candidates, id.Context().Parent()) == nil {
				return nil, fmt.Errorf("duplicate %s onto %s: %w", template.Name(), dst.Name(), ErrTopologyMismatch)
			}
		}
	}

	format := template.Format()
	for _, p := range d.props {
		if err := applyProperty(&format, p); err != nil {
			return nil, fmt.Errorf("duplicate %s: %w", template.Name(), err)
		}
	}

	inst := template.clone(id)
	if inst == nil {
		return nil, fmt.Errorf("duplicate %s: %w", kind, ErrNotTemplate)
	}
	b := inst.base()
	b.mu.Lock()
	b.format = format
	b.mu.Unlock()
	if d.templateScope {
		b.flags.Set(FlagTemplateScope)
	}
	if err := c.Add(inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func applyProperty(f *Format, p property) error {
	switch p.name {
	case "samplerate":
		v, ok := toFloat(p.value)
		if !ok {
			return fmt.Errorf("property %s: want number, got %T", p.name, p.value)
		}
		f.SampleRate = v
	case "format":
		switch v := p.value.(type) {
		case config.SampleFormat:
			f.Format = v
		case string:
			f.Format = config.SampleFormat(v)
		default:
			return fmt.Errorf("property %s: want sample format, got %T", p.name, p.value)
		}
	case "buffer-size", "pad", "audio-channel", "output-soundcard-channel", "input-soundcard-channel":
		v, ok := toInt(p.value)
		if !ok {
			return fmt.Errorf("property %s: want integer, got %T", p.name, p.value)
		}
		switch p.name {
		case "buffer-size":
			f.BufferSize = v
		case "pad":
			f.Pad = v
		case "audio-channel":
			f.AudioChannel = v
		case "output-soundcard-channel":
			f.OutputSoundcardChannel = v
		case "input-soundcard-channel":
			f.InputSoundcardChannel = v
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownProperty, p.name)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint32:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
