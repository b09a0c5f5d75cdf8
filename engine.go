package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaban/sequencer/config"
)

// FactoryFlags select how InstallEffect treats an effect that is already
// installed on the audio.
type FactoryFlags uint8

const (
	// FactoryAdd creates the effect once and never replaces it.
	FactoryAdd FactoryFlags = 1 << iota
	// FactoryRemap tears the effect down and recreates it.
	FactoryRemap
)

// Route selects the destination of an effect's channel runs.
type Route int

const (
	// RoutePassThrough leaves the destination unbound.
	RoutePassThrough Route = iota
	// RouteToOutput pairs input channel i with output channel i of the same audio.
	RouteToOutput
)

// PortSpec declares a port of an effect.
type PortSpec struct {
	Specifier string  `json:"specifier"`
	Default   float64 `json:"default"`

	// PerChannel ports exist once per channel run template instead of once
	// per effect.
	PerChannel bool `json:"per_channel,omitempty"`
}

// EffectSpec describes an effect to install on an audio. A zero Ability
// means every scope; nil Channels means every channel of Target.
type EffectSpec struct {
	Name      string
	ChildType string
	Ability   Ability
	Behaviour Behaviour
	Target    Direction
	Route     Route
	Channels  []int
	Ports     []PortSpec

	// DependsOn names effects of the same audio whose audio run the
	// effect's runs must see.
	DependsOn []string

	// Properties are applied to every instance on duplication.
	Properties map[string]any
}

// Run is one concurrent run of an audio.
type Run struct {
	id      *RecallID
	audio   *Audio
	started time.Time

	audioRuns   cowList[*RecallAudioRun]
	channelRuns cowList[*RecallChannelRun]
}

// ID returns the recall id of the run.
func (r *Run) ID() *RecallID { return r.id }

// Audio returns the audio the run plays.
func (r *Run) Audio() *Audio { return r.audio }

// Started returns when the run started.
func (r *Run) Started() time.Time { return r.started }

// AudioRuns returns the audio run instances of the run.
func (r *Run) AudioRuns() []*RecallAudioRun { return r.audioRuns.Snapshot() }

// ChannelRuns returns the channel run instances of the run.
func (r *Run) ChannelRuns() []*RecallChannelRun { return r.channelRuns.Snapshot() }

func (r *Run) has(template Recall) bool {
	for _, cr := range r.channelRuns.Load() {
		if cr.Template() == template {
			return true
		}
	}
	for _, ar := range r.audioRuns.Load() {
		if ar.Template() == template {
			return true
		}
	}
	return false
}

func (r *Run) remove(inst Recall) {
	switch v := inst.(type) {
	case *RecallAudioRun:
		r.audioRuns.Remove(v)
	case *RecallChannelRun:
		r.channelRuns.Remove(v)
	}
}

// Engine owns audios, runs and the recall graph of their effects. Every
// mutation runs on the dispatcher; Tick runs on the caller's audio thread
// and never takes a lock a mutation holds.
type Engine struct {
	id   uuid.UUID
	name string
	cfg  config.Config

	env        *Env
	logger     *slog.Logger
	dispatcher *Dispatcher
	topology   *Topology
	unobserve  func()
	serializer *Serializer

	mu      sync.RWMutex
	effects map[*RecallContainer]EffectSpec

	audios cowList[*Audio]
	runs   cowList[*Run]

	closed atomic.Bool
	tickMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Env)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(env *Env) { env.Logger = l } }

// WithErrorHandler sets the handler of non-fatal errors.
func WithErrorHandler(h ErrorHandler) Option { return func(env *Env) { env.Errors = h } }

// WithMetrics sets the metrics hook.
func WithMetrics(m MetricsHook) Option { return func(env *Env) { env.Metrics = m } }

// WithRegistry sets the registry of leaf factories.
func WithRegistry(r *Registry) Option { return func(env *Env) { env.Registry = r } }

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option { return func(env *Env) { env.Tracer = t } }

// NewEngine creates an engine with a running dispatcher.
func NewEngine(cfg config.Config, opts ...Option) (*Engine, error) {
	cfg = cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	env := &Env{}
	for _, opt := range opts {
		opt(env)
	}
	env.withDefaults()

	e := &Engine{
		id:      uuid.New(),
		name:    "Sequencer Engine",
		cfg:     cfg,
		env:     env,
		effects: make(map[*RecallContainer]EffectSpec),
	}
	e.logger = env.Logger.With("component", "engine", "engine", e.id.String())

	e.dispatcher = NewDispatcher(cfg.QueueSize, time.Duration(cfg.MaxOperationDuration), env.Errors, env.Metrics)
	e.dispatcher.AfterEach(func() { env.reclaim.Collect() })
	if err := e.dispatcher.Start(); err != nil {
		return nil, fmt.Errorf("failed to start dispatcher: %w", err)
	}
	e.topology = NewTopology(cfg.Audio.BufferSize, env.Logger)
	e.unobserve = e.topology.Observe(e)
	e.serializer = NewSerializer(e)
	return e, nil
}

// ID returns the engine UUID.
func (e *Engine) ID() uuid.UUID { return e.id }

// Config returns the resolved configuration.
func (e *Engine) Config() config.Config { return e.cfg }

// Env returns the collaborators shared by the engine's recalls.
func (e *Engine) Env() *Env { return e.env }

// Topology returns the topology manager whose changes the engine follows.
func (e *Engine) Topology() *Topology { return e.topology }

// Dispatcher returns the mutation dispatcher.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// Serializer returns the state serializer.
func (e *Engine) Serializer() *Serializer { return e.serializer }

// Audios returns the audios of the engine.
func (e *Engine) Audios() []*Audio { return e.audios.Snapshot() }

// Runs returns the live runs.
func (e *Engine) Runs() []*Run { return e.runs.Snapshot() }

// Run returns the run of id, or nil.
func (e *Engine) Run(id *RecallID) *Run {
	r, _ := e.runs.Find(func(r *Run) bool { return r.id == id })
	return r
}

// FindAudio returns the audio with the given name, or nil.
func (e *Engine) FindAudio(name string) *Audio {
	a, _ := e.audios.Find(func(a *Audio) bool { return a.Name() == name })
	return a
}

func (e *Engine) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return e.dispatcher.Do(ctx, name, fn)
}

// AddAudio creates an audio with the configured buffer size.
func (e *Engine) AddAudio(ctx context.Context, name string, inputs, outputs int) (*Audio, error) {
	if name == "" {
		return nil, errors.New("audio name is required")
	}
	var a *Audio
	err := e.do(ctx, "add-audio", func(context.Context) error {
		if e.FindAudio(name) != nil {
			return fmt.Errorf("audio %q already exists", name)
		}
		a = NewAudio(name, inputs, outputs, e.cfg.Audio.BufferSize)
		e.audios.Append(a)
		e.logger.Debug("audio added", "audio", name, "inputs", inputs, "outputs", outputs)
		return nil
	})
	return a, err
}

// StartRun starts a run of audio in scope, parented to the context of the
// run that triggered it (nil for a top-level run). Every template whose
// ability matches the scope is duplicated first, then every dependency is
// resolved, then every channel run is mapped.
func (e *Engine) StartRun(ctx context.Context, audio *Audio, scope SoundScope, parent *RecyclingContext) (*RecallID, error) {
	var id *RecallID
	err := e.do(ctx, "start-run", func(ctx context.Context) error {
		var err error
		id, err = e.startRun(ctx, audio, scope, parent)
		return err
	})
	return id, err
}

func (e *Engine) startRun(ctx context.Context, audio *Audio, scope SoundScope, parent *RecyclingContext) (_ *RecallID, err error) {
	ctx, span := e.env.startSpan(ctx, "Engine.StartRun",
		attribute.String("run.scope", scope.String()))
	defer func() { endSpan(span, err) }()

	if scope.Ability() == 0 {
		return nil, fmt.Errorf("start run: invalid sound scope %v", scope)
	}
	if audio == nil || !e.audios.Contains(audio) {
		return nil, errors.New("start run: audio not part of the engine")
	}
	span.SetAttributes(attribute.String("audio", audio.Name()))

	rc := NewRecyclingContext(parent)
	id := NewRecallID(scope, rc)
	for _, ch := range audio.Channels() {
		ch.AddRecallID(id)
	}
	run := &Run{id: id, audio: audio, started: time.Now()}

	var created []Recall
	for _, c := range audio.Containers() {
		created = append(created, e.duplicateInto(run, c, nil)...)
	}
	e.initialize(ctx, run, created)
	e.runs.Append(run)

	// runs of other audios may have waited for this one
	e.fillPending(ctx)

	e.env.Metrics.OnRunStart(id.ID(), scope, len(created))
	e.logger.Info("run started", "run", id.ID().String(), "audio", audio.Name(),
		"scope", scope.String(), "instances", len(created))
	return id, nil
}

// duplicateInto duplicates the templates of c matching the run's scope that
// have no instance for the run yet. A non-nil only restricts the templates.
func (e *Engine) duplicateInto(run *Run, c *RecallContainer, only map[Recall]bool) []Recall {
	scope := run.id.Scope()
	opts := e.duplicateOptions(c)
	var created []Recall
	for _, t := range c.Templates() {
		if t.Kind() != KindAudioRun && t.Kind() != KindChannelRun {
			continue
		}
		if only != nil && !only[t] {
			continue
		}
		if !t.Ability().Matches(scope) || run.has(t) {
			continue
		}
		inst, err := c.Duplicate(t, run.id, opts...)
		if errors.Is(err, ErrTopologyMismatch) {
			e.logger.Debug("duplication deferred", "effect", c.Name(), "err", err)
			continue
		}
		if err != nil {
			e.env.report(err)
			continue
		}
		switch v := inst.(type) {
		case *RecallAudioRun:
			run.audioRuns.Append(v)
		case *RecallChannelRun:
			run.channelRuns.Append(v)
		}
		created = append(created, inst)
	}
	return created
}

func (e *Engine) duplicateOptions(c *RecallContainer) []DuplicateOption {
	e.mu.RLock()
	spec := e.effects[c]
	e.mu.RUnlock()
	var opts []DuplicateOption
	for name, v := range spec.Properties {
		opts = append(opts, WithProperty(name, v))
	}
	return opts
}

// initialize resolves the dependencies of every created instance, then maps
// every channel run and marks the instances initialized.
func (e *Engine) initialize(ctx context.Context, run *Run, created []Recall) {
	for _, inst := range created {
		if err := ResolveDependencies(inst); err != nil {
			e.env.report(err)
		}
		if cr, ok := inst.(*RecallChannelRun); ok {
			if c := cr.Container(); c != nil {
				cr.bindAudioRun(c.AudioRunFor(run.id))
			}
		}
	}
	for _, inst := range created {
		if cr, ok := inst.(*RecallChannelRun); ok {
			if err := cr.MapRecallRecycling(ctx); err != nil {
				e.env.report(fmt.Errorf("map %s: %w", cr.Name(), err))
			}
		}
		inst.base().SetFlags(FlagRunInitialized)
	}
}

// fillPending retries duplications skipped for a topology mismatch.
func (e *Engine) fillPending(ctx context.Context) {
	for _, run := range e.runs.Load() {
		if run.id.Cancelled() {
			continue
		}
		var created []Recall
		for _, c := range run.audio.Containers() {
			created = append(created, e.duplicateInto(run, c, nil)...)
		}
		if len(created) > 0 {
			e.initialize(ctx, run, created)
			e.logger.Debug("pending instances created", "run", run.id.ID().String(), "instances", len(created))
		}
	}
}

// StopRun cancels and disposes every instance of the run.
func (e *Engine) StopRun(ctx context.Context, id *RecallID) error {
	return e.do(ctx, "stop-run", func(ctx context.Context) error {
		return e.stopRun(ctx, id)
	})
}

func (e *Engine) stopRun(ctx context.Context, id *RecallID) (err error) {
	_, span := e.env.startSpan(ctx, "Engine.StopRun")
	defer func() { endSpan(span, err) }()

	run := e.Run(id)
	if run == nil {
		return ErrRunNotFound
	}
	span.SetAttributes(attribute.String("run.id", id.ID().String()))
	e.runs.Remove(run)
	id.setFlags(FlagCancel | FlagDone)

	channelRuns := run.channelRuns.Clear()
	audioRuns := run.audioRuns.Clear()
	for _, cr := range channelRuns {
		cr.Cancel()
	}
	for _, ar := range audioRuns {
		ar.Cancel()
	}
	for _, cr := range channelRuns {
		if c := cr.Container(); c != nil {
			c.Remove(cr)
		}
		cr.Dispose()
	}
	for _, ar := range audioRuns {
		if c := ar.Container(); c != nil {
			c.Remove(ar)
		}
		ar.Dispose()
	}
	for _, ch := range run.audio.Channels() {
		ch.RemoveRecallID(id)
	}
	id.Context().Dispose()

	e.env.Metrics.OnRunStop(id.ID(), id.Scope())
	e.logger.Info("run stopped", "run", id.ID().String(), "audio", run.audio.Name(),
		"duration", time.Since(run.started))
	return nil
}

// RecyclingChanged implements Observer. Every channel run whose source or
// destination moved is remapped, the destination before the source.
func (e *Engine) RecyclingChanged(ctx context.Context, changes ...RecyclingChange) error {
	if len(changes) == 0 {
		return nil
	}
	return e.do(ctx, "recycling-changed", func(ctx context.Context) error {
		return e.applyChanges(ctx, changes)
	})
}

func (e *Engine) applyChanges(ctx context.Context, changes []RecyclingChange) (err error) {
	ctx, span := e.env.startSpan(ctx, "Engine.RecyclingChanged",
		attribute.Int("changes", len(changes)))
	defer func() { endSpan(span, err) }()

	merged := mergeChanges(changes)
	var errs []error
	remapped := 0
	for _, run := range e.runs.Load() {
		for _, cr := range run.channelRuns.Load() {
			src := merged[cr.Source()]
			var dst *RecyclingChange
			if d := cr.Destination(); d != nil {
				dst = merged[d]
			}
			if src == nil && dst == nil {
				continue
			}
			if err := cr.RecyclingChanged(ctx, src, dst); err != nil {
				errs = append(errs, err)
			}
			remapped++
		}
	}
	span.SetAttributes(attribute.Int("runs.remapped", remapped))
	e.logger.Debug("recyclings changed", "changes", len(changes), "remapped", remapped)
	return errors.Join(errs...)
}

// mergeChanges folds several changes of one channel into one spanning from
// the first old span to the last new span.
func mergeChanges(changes []RecyclingChange) map[*Channel]*RecyclingChange {
	out := make(map[*Channel]*RecyclingChange, len(changes))
	for _, ch := range changes {
		if ch.Channel == nil {
			continue
		}
		if prev, ok := out[ch.Channel]; ok {
			m := NewRecyclingChange(ch.Channel, prev.Old, ch.New)
			out[ch.Channel] = &m
			continue
		}
		c := ch
		out[ch.Channel] = &c
	}
	return out
}

// BeginCycle zeroes the buffers of every output recycling. Leaves only mix
// into their destinations, so the owner of the audio cycle calls BeginCycle
// once per cycle before ticking its scopes. It is serialized with Tick.
func (e *Engine) BeginCycle() {
	if e.closed.Load() {
		return
	}
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	for _, a := range e.audios.Load() {
		for _, ch := range a.outputs.Load() {
			for _, r := range ch.Region() {
				clear(r.buffer)
			}
		}
	}
}

// Tick runs one block of every run in scope and returns how many leaves
// processed. Leaves add into destination buffers; see BeginCycle. Ticks of
// different goroutines are serialized against each other; mutations never
// wait for a tick.
func (e *Engine) Tick(scope SoundScope) int {
	if e.closed.Load() {
		return 0
	}
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	e.env.reclaim.enterTick()
	defer e.env.reclaim.exitTick()

	start := time.Now()
	n := 0
	for _, run := range e.runs.Load() {
		if run.id.Scope() != scope || run.id.flags.Any(FlagCancel|FlagDone) {
			continue
		}
		var tick uint64
		for _, ar := range run.audioRuns.Load() {
			tick = ar.runPre()
		}
		for _, cr := range run.channelRuns.Load() {
			n += cr.runPre(tick)
		}
	}
	e.env.Metrics.OnTick(scope, n, time.Since(start))
	return n
}

// Reap disposes channel runs whose leaves are all done, unless they are
// persistent, and stops runs left without channel runs.
func (e *Engine) Reap(ctx context.Context) (int, error) {
	reaped := 0
	err := e.do(ctx, "reap", func(ctx context.Context) error {
		var stop []*RecallID
		for _, run := range e.runs.Load() {
			had := run.channelRuns.Len()
			for _, cr := range run.channelRuns.Load() {
				if cr.Behaviour()&BehaviourPersistent != 0 || !cr.LeavesDone() {
					continue
				}
				cr.SetFlags(FlagDone | FlagRemove)
				cr.Cancel()
				run.channelRuns.Remove(cr)
				if c := cr.Container(); c != nil {
					c.Remove(cr)
				}
				cr.Dispose()
				reaped++
			}
			if had > 0 && run.channelRuns.Len() == 0 {
				stop = append(stop, run.id)
			}
		}
		for _, id := range stop {
			if err := e.stopRun(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
	return reaped, err
}

// InstallEffect builds the templates of spec on audio and duplicates them
// into every live run. For an effect already installed, FactoryRemap
// rebuilds it, FactoryAdd fails with ErrEffectExists, and both together
// rebuild the channels already carrying it and add the others.
func (e *Engine) InstallEffect(ctx context.Context, audio *Audio, spec EffectSpec, flags FactoryFlags) (*RecallContainer, error) {
	var c *RecallContainer
	err := e.do(ctx, "install-effect", func(ctx context.Context) error {
		var err error
		c, err = e.installEffect(ctx, audio, spec, flags)
		return err
	})
	return c, err
}

func (e *Engine) installEffect(ctx context.Context, audio *Audio, spec EffectSpec, flags FactoryFlags) (_ *RecallContainer, err error) {
	ctx, span := e.env.startSpan(ctx, "Engine.InstallEffect",
		attribute.String("effect", spec.Name), attribute.Int("flags", int(flags)))
	defer func() { endSpan(span, err) }()

	if audio == nil || !e.audios.Contains(audio) {
		return nil, errors.New("install effect: audio not part of the engine")
	}
	targets, err := e.validateEffect(audio, spec)
	if err != nil {
		return nil, err
	}
	if flags == 0 {
		flags = FactoryAdd
	}

	existing := findContainer(audio, spec.Name)
	switch {
	case existing == nil:
	case flags&FactoryRemap != 0 && flags&FactoryAdd == 0:
		e.removeContainer(existing)
		existing = nil
	case flags&FactoryAdd != 0 && flags&FactoryRemap == 0:
		return nil, fmt.Errorf("install %s on %s: %w", spec.Name, audio.Name(), ErrEffectExists)
	}

	c := existing
	fresh := c == nil
	var added []Recall
	if fresh {
		c = NewRecallContainer(spec.Name, audio, e.env)
		added = append(added, e.buildAudioTemplates(c, spec)...)
		audio.containers.Append(c)
	} else {
		for _, ch := range targets {
			if c.ChannelRunTemplate(ch) != nil {
				e.removeChannelTemplates(c, ch)
			}
		}
	}
	e.mu.Lock()
	e.effects[c] = spec
	e.mu.Unlock()
	for _, ch := range targets {
		added = append(added, e.buildChannelTemplates(c, spec, ch)...)
	}

	only := make(map[Recall]bool, len(added))
	for _, t := range added {
		only[t] = true
	}
	instances := 0
	for _, run := range e.runs.Load() {
		if run.audio != audio || run.id.Cancelled() {
			continue
		}
		created := e.duplicateInto(run, c, only)
		e.initialize(ctx, run, created)
		instances += len(created)
	}
	if fresh {
		e.rebindDependents(audio, spec.Name, c)
	}
	e.logger.Info("effect installed", "effect", spec.Name, "audio", audio.Name(),
		"channels", len(targets), "instances", instances)
	return c, nil
}

func (e *Engine) validateEffect(audio *Audio, spec EffectSpec) ([]*Channel, error) {
	if spec.Name == "" {
		return nil, errors.New("install effect: name is required")
	}
	if spec.ChildType != "" && e.env.Registry.Lookup(spec.ChildType) == nil {
		return nil, fmt.Errorf("install %s: %w: %s", spec.Name, ErrUnknownChildType, spec.ChildType)
	}
	pool := audio.Inputs()
	if spec.Target == Output {
		pool = audio.Outputs()
	}
	if spec.Channels == nil {
		return pool, nil
	}
	var targets []*Channel
	for _, i := range spec.Channels {
		ch := channelAt(pool, i)
		if ch == nil {
			return nil, fmt.Errorf("install %s: no %s channel %d on %s", spec.Name, spec.Target, i, audio.Name())
		}
		targets = append(targets, ch)
	}
	return targets, nil
}

func (e *Engine) templateOptions(spec EffectSpec, format Format) []TemplateOption {
	ability := spec.Ability
	if ability == 0 {
		ability = AbilityAll
	}
	return []TemplateOption{
		WithAbility(ability),
		WithBehaviour(spec.Behaviour),
		WithChildType(spec.ChildType),
		WithFormat(format),
	}
}

func (e *Engine) buildAudioTemplates(c *RecallContainer, spec EffectSpec) []Recall {
	format := FormatOf(e.cfg.Audio)
	ra := NewRecallAudio(c.Audio(), spec.Name, e.templateOptions(spec, format)...)
	ar := NewRecallAudioRun(c.Audio(), spec.Name, e.templateOptions(spec, format)...)
	for _, ps := range spec.Ports {
		if !ps.PerChannel {
			_ = ra.AddPort(NewPort(spec.Name, ps.Specifier, ps.Default))
		}
	}
	e.addDependencies(c.Audio(), ar, spec)
	_ = c.Add(ra)
	_ = c.Add(ar)
	return []Recall{ar}
}

func (e *Engine) buildChannelTemplates(c *RecallContainer, spec EffectSpec, ch *Channel) []Recall {
	format := FormatOf(e.cfg.Audio)
	format.AudioChannel = ch.Index()
	if n := e.cfg.Audio.SoundcardChannels; n > 0 {
		if ch.Direction() == Output {
			format.OutputSoundcardChannel = ch.Index() % n
		} else {
			format.InputSoundcardChannel = ch.Index() % n
		}
	}
	var dst *Channel
	if spec.Route == RouteToOutput && ch.Direction() == Input {
		dst = ch.Audio().Output(ch.Index())
	}
	rc := NewRecallChannel(ch, spec.Name, e.templateOptions(spec, format)...)
	crun := NewRecallChannelRun(rc, ch, dst, spec.Name, e.templateOptions(spec, format)...)
	for _, ps := range spec.Ports {
		if ps.PerChannel {
			_ = crun.AddPort(NewPort(spec.Name, ps.Specifier, ps.Default))
		}
	}
	e.addDependencies(c.Audio(), crun, spec)
	_ = c.Add(rc)
	_ = c.Add(crun)
	return []Recall{crun}
}

func (e *Engine) addDependencies(audio *Audio, consumer Recall, spec EffectSpec) {
	for _, name := range spec.DependsOn {
		dep := findContainer(audio, name)
		if dep == nil {
			e.env.report(fmt.Errorf("%s depends on %s: %w", spec.Name, name, ErrEffectNotFound))
			continue
		}
		for _, t := range dep.AudioRuns() {
			if t.IsTemplate() {
				_ = consumer.base().AddDependency(NewRecallDependency(t, nil))
			}
		}
	}
}

// rebindDependents points the dependencies on the named effect at the
// audio-run templates of c, the container now installed under that name
// (nil once it is gone), and resolves them again in every live run.
func (e *Engine) rebindDependents(audio *Audio, name string, c *RecallContainer) {
	var targets []Recall
	if c != nil {
		for _, t := range c.AudioRuns() {
			if t.IsTemplate() {
				targets = append(targets, t)
			}
		}
	}
	e.mu.RLock()
	deps := make(map[*RecallContainer][]string, len(e.effects))
	for other, spec := range e.effects {
		deps[other] = spec.DependsOn
	}
	e.mu.RUnlock()

	rebound := 0
	for _, other := range audio.Containers() {
		if other == c || !slices.Contains(deps[other], name) {
			continue
		}
		for _, t := range other.Templates() {
			if k := t.Kind(); k != KindAudioRun && k != KindChannelRun {
				continue
			}
			dropped := t.base().retargetDependencies(name, targets)
			for _, inst := range other.InstancesOf(t) {
				for _, d := range dropped {
					inst.base().setResolved(d, nil)
				}
				if err := ResolveDependencies(inst); err != nil {
					e.env.report(err)
				}
				rebound++
			}
		}
	}
	if rebound > 0 {
		e.logger.Debug("dependents rebound", "effect", name, "audio", audio.Name(), "instances", rebound)
	}
}

// RemoveEffect tears the named effect down.
func (e *Engine) RemoveEffect(ctx context.Context, audio *Audio, name string) error {
	return e.do(ctx, "remove-effect", func(context.Context) error {
		c := findContainer(audio, name)
		if c == nil {
			return fmt.Errorf("remove %s: %w", name, ErrEffectNotFound)
		}
		e.removeContainer(c)
		e.rebindDependents(audio, name, nil)
		e.logger.Info("effect removed", "effect", name, "audio", audio.Name())
		return nil
	})
}

func (e *Engine) removeContainer(c *RecallContainer) {
	e.retireInstances(c, func(Recall) bool { return true })
	for _, t := range c.Templates() {
		c.Remove(t)
		t.Dispose()
	}
	c.Audio().containers.Remove(c)
	e.mu.Lock()
	delete(e.effects, c)
	e.mu.Unlock()
}

func (e *Engine) removeChannelTemplates(c *RecallContainer, ch *Channel) {
	crun := c.ChannelRunTemplate(ch)
	e.retireInstances(c, func(t Recall) bool { return t == Recall(crun) })
	c.Remove(crun)
	crun.Dispose()
	for _, rc := range c.RecallChannels() {
		if rc.Channel() == ch {
			c.Remove(rc)
			rc.Dispose()
		}
	}
}

// retireInstances cancels, then unregisters and disposes, every instance of
// c whose template matches.
func (e *Engine) retireInstances(c *RecallContainer, match func(template Recall) bool) {
	var victims []Recall
	for _, inst := range c.Instances() {
		if match(inst.Template()) {
			victims = append(victims, inst)
		}
	}
	for _, inst := range victims {
		inst.Cancel()
	}
	for _, inst := range victims {
		for _, run := range e.runs.Load() {
			run.remove(inst)
		}
		c.Remove(inst)
		inst.Dispose()
	}
}

func findContainer(audio *Audio, name string) *RecallContainer {
	if audio == nil {
		return nil
	}
	c, _ := audio.containers.Find(func(c *RecallContainer) bool { return c.Name() == name })
	return c
}

// FindPort resolves (plugin name, specifier) across every audio.
func (e *Engine) FindPort(pluginName, specifier string) *Port {
	for _, a := range e.audios.Load() {
		if c := findContainer(a, pluginName); c != nil {
			if p := c.FindPort(specifier); p != nil {
				return p
			}
		}
	}
	return nil
}

// State returns a snapshot of the whole recall graph.
func (e *Engine) State() EngineState { return e.serializer.GetState() }

// Close stops every run, halts the dispatcher and finalizes what ticks left
// behind. Calling Tick after Close is a no-op.
func (e *Engine) Close() error {
	if e.closed.Load() {
		return nil
	}
	err := e.dispatcher.Do(context.Background(), "close", func(ctx context.Context) error {
		var errs []error
		for _, run := range e.runs.Load() {
			if err := e.stopRun(ctx, run.id); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	e.closed.Store(true)
	e.unobserve()
	if stopErr := e.dispatcher.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	// wait for an in-flight tick before finalizing
	e.tickMu.Lock()
	e.env.reclaim.Flush()
	e.tickMu.Unlock()
	e.logger.Info("engine closed")
	return err
}
