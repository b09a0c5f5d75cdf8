package sequencer

import (
	"errors"
	"testing"

	"github.com/shaban/sequencer/config"
)

func TestDuplicateCopiesTemplate(t *testing.T) {
	env, _, _ := newTestEnv(t)
	a := NewAudio("a", 1, 1, 8)
	c := NewRecallContainer("fx", a, env)
	format := Format{SampleRate: 48000, BufferSize: 8, Format: config.FormatFloat64}
	tmpl := NewRecallAudioRun(a, "fx", WithChildType("probe"), WithFormat(format),
		WithAbility(AbilityPlayback|AbilityWave), WithBehaviour(BehaviourPersistent))
	if err := c.Add(tmpl); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := tmpl.AddPort(NewPort("fx", "gain", 1)); err != nil {
		t.Fatalf("add port: %v", err)
	}
	id := NewRecallID(ScopeWave, NewRecyclingContext(nil))

	inst, err := c.Duplicate(tmpl, id)
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if inst.IsTemplate() || inst.Template() != Recall(tmpl) || inst.RecallID() != id {
		t.Fatal("instance identity")
	}
	if inst.ID() == tmpl.ID() || inst.Kind() != KindAudioRun || inst.Name() != "fx" {
		t.Fatal("instance header")
	}
	if inst.Format() != format || inst.ChildType() != "probe" {
		t.Fatal("scalar configuration not copied")
	}
	if inst.Ability() != AbilityPlayback|AbilityWave || inst.Behaviour() != BehaviourPersistent {
		t.Fatal("ability or behaviour not copied")
	}
	if inst.Scope() != ScopeWave || len(inst.Children()) != 0 {
		t.Fatal("scope or children")
	}
	if inst.Container() != c || c.AudioRunFor(id) != inst {
		t.Fatal("instance not registered")
	}
	if p := inst.base().FindPort("gain"); p == nil || p != tmpl.FindPort("gain") {
		t.Fatal("instance does not share the template's ports")
	}
	if err := inst.base().AddPort(NewPort("fx", "x", 0)); !errors.Is(err, ErrNotTemplate) {
		t.Fatalf("add port to instance: %v", err)
	}

	if _, err := c.Duplicate(inst, id); !errors.Is(err, ErrNotTemplate) {
		t.Fatalf("duplicate of instance: %v", err)
	}
	if _, err := c.Duplicate(nil, id); !errors.Is(err, ErrNotTemplate) {
		t.Fatalf("duplicate of nil: %v", err)
	}
}

func TestDuplicateProperties(t *testing.T) {
	env, _, _ := newTestEnv(t)
	c := NewRecallContainer("fx", nil, env)
	tmpl := NewRecallAudio(nil, "fx", WithFormat(Format{SampleRate: 44100, BufferSize: 64}))
	if err := c.Add(tmpl); err != nil {
		t.Fatalf("add: %v", err)
	}
	id := NewRecallID(ScopePlayback, NewRecyclingContext(nil))

	inst, err := c.Duplicate(tmpl, id,
		WithProperty("samplerate", 96000),
		WithProperty("buffer-size", 128),
		WithProperty("format", "s16"),
		WithProperty("pad", 2),
		WithProperty("audio-channel", 1),
		WithProperty("output-soundcard-channel", 3),
		WithProperty("input-soundcard-channel", float64(4)),
	)
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	want := Format{
		SampleRate:             96000,
		BufferSize:             128,
		Format:                 config.FormatS16,
		Pad:                    2,
		AudioChannel:           1,
		OutputSoundcardChannel: 3,
		InputSoundcardChannel:  4,
	}
	if got := inst.Format(); got != want {
		t.Fatalf("format = %+v, want %+v", got, want)
	}
	if tmpl.Format().SampleRate != 44100 {
		t.Fatal("template format changed")
	}

	tests := []struct {
		name  string
		prop  string
		value any
		want  error
	}{
		{"unknown name", "tempo", 120, ErrUnknownProperty},
		{"wrong type", "pad", "wide", nil},
		{"fractional int", "buffer-size", 1.5, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(c.Instances())
			_, err := c.Duplicate(tmpl, id, WithProperty(tt.prop, tt.value))
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if len(c.Instances()) != before {
				t.Fatal("failed duplication registered an instance")
			}
		})
	}
}

func TestDuplicateTemplateScope(t *testing.T) {
	env, _, _ := newTestEnv(t)
	c := NewRecallContainer("fx", nil, env)
	ra := NewRecallAudio(nil, "fx")
	rc := NewRecallChannel(testChannel("src", Input, 1), "fx")
	for _, r := range []Recall{ra, rc} {
		if err := c.Add(r); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	inst, err := c.Duplicate(ra, nil, ForTemplateScope())
	if err != nil {
		t.Fatalf("duplicate template scope: %v", err)
	}
	if inst.Flags()&FlagTemplateScope == 0 || inst.RecallID() != nil || inst.Scope() != ScopeNone {
		t.Fatalf("flags = %v", inst.Flags())
	}
	if _, err := c.Duplicate(ra, nil); !errors.Is(err, ErrNoRecallID) {
		t.Fatalf("duplicate without id: %v", err)
	}
	if _, err := c.Duplicate(rc, nil, ForTemplateScope()); !errors.Is(err, ErrNoRecallID) {
		t.Fatalf("channel duplicate at template scope: %v", err)
	}
}

func TestDuplicateTopologyMismatch(t *testing.T) {
	env, _, _ := newTestEnv(t)
	src := testChannel("src", Input, 1)
	dst := testChannel("dst", Output, 1)
	c := NewRecallContainer("fx", nil, env)
	rc := NewRecallChannel(src, "fx")
	tmpl := NewRecallChannelRun(rc, src, dst, "fx", WithChildType("probe"))
	if err := c.Add(tmpl); err != nil {
		t.Fatalf("add: %v", err)
	}

	top := NewRecyclingContext(nil)
	nested := NewRecyclingContext(top)
	id := NewRecallID(ScopeSequencer, nested)

	// the destination takes part in no run below top yet
	dst.AddRecallID(NewRecallID(ScopeSequencer, NewRecyclingContext(nil)))
	if _, err := c.Duplicate(tmpl, id); !errors.Is(err, ErrTopologyMismatch) {
		t.Fatalf("duplicate = %v, want topology mismatch", err)
	}
	if len(c.Instances()) != 0 {
		t.Fatal("mismatched duplication registered an instance")
	}

	sibling := NewRecyclingContext(top)
	dst.AddRecallID(NewRecallID(ScopeSequencer, sibling))
	inst, err := c.Duplicate(tmpl, id)
	if err != nil {
		t.Fatalf("duplicate after destination joined: %v", err)
	}
	if run := inst.(*RecallChannelRun); run.State() != StateUninitialized || run.Destination() != dst {
		t.Fatal("instance state")
	}
}

func TestContainerLookups(t *testing.T) {
	env, _, _ := newTestEnv(t)
	src := testChannel("src", Input, 1)
	c, run, id := newTestRun(t, env, src, nil, "probe")

	if got := c.Find(id); len(got) != 1 || got[0] != Recall(run) {
		t.Fatalf("find = %v", got)
	}
	if got := c.FindByContext(id.Context()); len(got) != 1 {
		t.Fatalf("find by context = %v", got)
	}
	if got := c.FindByContext(NewRecyclingContext(nil)); len(got) != 0 {
		t.Fatalf("find by other context = %v", got)
	}
	tmpl := c.ChannelRunTemplate(src)
	if tmpl == nil || !tmpl.IsTemplate() {
		t.Fatal("channel run template not found")
	}
	if got := c.InstancesOf(tmpl); len(got) != 1 || got[0] != Recall(run) {
		t.Fatalf("instances of = %v", got)
	}
	if got := c.ChannelRunsFor(id); len(got) != 1 || got[0] != run {
		t.Fatalf("channel runs for = %v", got)
	}
	if len(c.Templates()) != 2 || len(c.All()) != 3 {
		t.Fatalf("templates %d, all %d", len(c.Templates()), len(c.All()))
	}
	if !c.Remove(run) || c.Remove(run) {
		t.Fatal("remove")
	}
	if err := c.Add(newRecallRecycling(run, src.Region()[0], nil)); err == nil {
		t.Fatal("container accepted a leaf")
	}
}

func TestContainerPorts(t *testing.T) {
	env, _, _ := newTestEnv(t)
	a := NewAudio("a", 2, 0, 8)
	c := NewRecallContainer("fx", a, env)
	ra := NewRecallAudio(a, "fx")
	_ = ra.AddPort(NewPort("fx", "gain", 0.5))
	if err := c.Add(ra); err != nil {
		t.Fatalf("add: %v", err)
	}
	for i, in := range a.Inputs() {
		rc := NewRecallChannel(in, "fx")
		run := NewRecallChannelRun(rc, in, nil, "fx")
		_ = run.AddPort(NewPort("fx", "pan", float64(i)))
		_ = c.Add(rc)
		_ = c.Add(run)
	}

	if p := c.FindPort("gain"); p == nil || p.Value() != 0.5 {
		t.Fatal("audio port")
	}
	if p := c.FindChannelPort("pan", 1); p == nil || p.Default() != 1 {
		t.Fatal("channel port")
	}
	if p := c.FindChannelPort("gain", 1); p == nil {
		t.Fatal("channel lookup falls back to audio ports")
	}
	if c.FindPort("missing") != nil {
		t.Fatal("missing port found")
	}
}
