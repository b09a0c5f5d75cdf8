package sequencer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/shaban/sequencer/config"
)

// Format is the scalar configuration an instance copies from its template.
type Format struct {
	SampleRate             float64             `json:"sample_rate"`
	BufferSize             int                 `json:"buffer_size"`
	Format                 config.SampleFormat `json:"format"`
	Pad                    int                 `json:"pad"`
	AudioChannel           int                 `json:"audio_channel"`
	OutputSoundcardChannel int                 `json:"output_soundcard_channel"`
	InputSoundcardChannel  int                 `json:"input_soundcard_channel"`
}

// FormatOf derives a Format from a resolved audio spec.
func FormatOf(spec config.AudioSpec) Format {
	return Format{
		SampleRate: spec.SampleRate,
		BufferSize: spec.BufferSize,
		Format:     spec.Format,
	}
}

// Recall is a node of the recall tree. The set of implementations is closed:
// RecallAudio, RecallAudioRun, RecallChannel, RecallChannelRun and
// RecallRecycling.
type Recall interface {
	ID() uuid.UUID
	Kind() Kind
	Name() string
	Flags() Flags
	IsTemplate() bool
	RecallID() *RecallID
	Template() Recall
	Container() *RecallContainer
	Parent() Recall
	Children() []Recall
	Format() Format
	Ability() Ability
	Behaviour() Behaviour
	Scope() SoundScope
	ChildType() string

	// Cancel stops the recall and its children from contributing output.
	Cancel()
	// Dispose releases the references the recall holds. The tree stays
	// readable; a disposed recall does nothing.
	Dispose()

	base() *Base
	// clone returns an unregistered instance of the template bound to id.
	clone(id *RecallID) Recall
}

// Base is the state shared by every recall variant.
type Base struct {
	id    uuid.UUID
	kind  Kind
	name  string
	owner Recall

	flags atomicFlags

	mu        sync.RWMutex
	container *RecallContainer
	template  Recall
	recallID  *RecallID
	parent    Recall
	ability   Ability
	behaviour Behaviour
	scope     SoundScope
	childType string
	format    Format
	resolved  map[*RecallDependency]Recall

	children cowList[Recall]
	ports    cowList[*Port]
	deps     cowList[*RecallDependency]
}

// TemplateOption configures a template at build time.
type TemplateOption func(*Base)

// WithAbility sets the scopes the recall may run in.
func WithAbility(a Ability) TemplateOption { return func(b *Base) { b.ability = a } }

// WithBehaviour sets behaviour bits.
func WithBehaviour(bh Behaviour) TemplateOption { return func(b *Base) { b.behaviour = bh } }

// WithChildType sets the registry name of the leaf processor.
func WithChildType(name string) TemplateOption { return func(b *Base) { b.childType = name } }

// WithFormat sets the scalar configuration.
func WithFormat(f Format) TemplateOption { return func(b *Base) { b.format = f } }

func initTemplate(b *Base, owner Recall, kind Kind, name string, opts ...TemplateOption) {
	b.id = uuid.New()
	b.kind = kind
	b.name = name
	b.owner = owner
	b.ability = AbilityAll
	b.scope = ScopeNone
	for _, opt := range opts {
		opt(b)
	}
	b.flags.Store(FlagTemplate)
}

// duplicateInto shallow-clones everything but children, ports and
// dependencies into dup. Ports and dependencies stay on the template.
func (b *Base) duplicateInto(dup *Base, owner Recall, id *RecallID) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	dup.id = uuid.New()
	dup.kind = b.kind
	dup.name = b.name
	dup.owner = owner
	dup.container = b.container
	dup.template = b.owner
	dup.recallID = id
	dup.ability = b.ability
	dup.behaviour = b.behaviour
	dup.scope = id.Scope()
	dup.childType = b.childType
	dup.format = b.format
	dup.flags.Store(b.flags.Load() &^ FlagTemplate)
}

func (b *Base) base() *Base { return b }

func (b *Base) ID() uuid.UUID { return b.id }

func (b *Base) Kind() Kind { return b.kind }

// Name is the plugin name of the effect the recall belongs to.
func (b *Base) Name() string { return b.name }

func (b *Base) Flags() Flags { return b.flags.Load() }

func (b *Base) IsTemplate() bool { return b.flags.Has(FlagTemplate) }

// SetFlags sets flags on the recall only.
func (b *Base) SetFlags(f Flags) { b.flags.Set(f) }

// UnsetFlags clears flags on the recall only.
func (b *Base) UnsetFlags(f Flags) { b.flags.Unset(f) }

func (b *Base) RecallID() *RecallID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.recallID
}

// Template returns the template an instance was duplicated from, or nil.
func (b *Base) Template() Recall {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.template
}

func (b *Base) Container() *RecallContainer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.container
}

func (b *Base) setContainer(c *RecallContainer) {
	b.mu.Lock()
	b.container = c
	b.mu.Unlock()
}

func (b *Base) Parent() Recall {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.parent
}

func (b *Base) Children() []Recall { return b.children.Snapshot() }

func (b *Base) Format() Format {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.format
}

func (b *Base) Ability() Ability {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ability
}

func (b *Base) Behaviour() Behaviour {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.behaviour
}

func (b *Base) Scope() SoundScope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scope
}

func (b *Base) ChildType() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.childType
}

// AddChild hands ownership of child to the recall and propagates ability,
// behaviour, sound scope and recall id down to it.
func (b *Base) AddChild(child Recall) {
	b.adopt(child)
	b.children.Append(child)
}

// adopt propagates inherited state to child without publishing it.
func (b *Base) adopt(child Recall) {
	b.mu.RLock()
	ability, behaviour, scope, id := b.ability, b.behaviour, b.scope, b.recallID
	b.mu.RUnlock()

	cb := child.base()
	cb.mu.Lock()
	cb.parent = b.owner
	cb.ability = ability
	cb.behaviour = behaviour
	cb.scope = scope
	cb.recallID = id
	cb.mu.Unlock()
}

// RemoveChild drops child from the child list and reports whether it was
// present. The child is neither cancelled nor disposed.
func (b *Base) RemoveChild(child Recall) bool {
	if !b.children.Remove(child) {
		return false
	}
	cb := child.base()
	cb.mu.Lock()
	cb.parent = nil
	cb.mu.Unlock()
	return true
}

// Cancel marks the recall and every child as cancelled.
func (b *Base) Cancel() {
	if !b.flags.Set(FlagCancel) {
		return
	}
	for _, child := range b.children.Load() {
		child.Cancel()
	}
}

// Dispose cascades to the children and drops them.
func (b *Base) Dispose() {
	if !b.flags.Set(FlagDisposed) {
		return
	}
	for _, child := range b.children.Clear() {
		child.Dispose()
	}
	b.mu.Lock()
	b.resolved = nil
	b.mu.Unlock()
}

// Done reports whether the recall finished on its own.
func (b *Base) Done() bool { return b.flags.Has(FlagDone) }

// AddPort exposes p on a template.
func (b *Base) AddPort(p *Port) error {
	if !b.IsTemplate() {
		return fmt.Errorf("add port %s: %w", p.Specifier(), ErrNotTemplate)
	}
	b.ports.Append(p)
	return nil
}

// Ports returns the ports of the recall. Instances share their template's.
func (b *Base) Ports() []*Port {
	if t := b.Template(); t != nil {
		return t.base().Ports()
	}
	return b.ports.Snapshot()
}

// FindPort returns the port with the given specifier, or nil.
func (b *Base) FindPort(specifier string) *Port {
	for _, p := range b.Ports() {
		if p.Specifier() == specifier {
			return p
		}
	}
	return nil
}

func (b *Base) logger() *slog.Logger {
	if c := b.Container(); c != nil {
		return c.env.Logger
	}
	return slog.Default()
}
