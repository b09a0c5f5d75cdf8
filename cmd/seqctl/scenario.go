package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"
	"gitlab.com/gomidi/midi/v2"
	"golang.org/x/sync/errgroup"

	"github.com/shaban/sequencer"
)

// scenario exposes an engine to a Lua script. Only the script goroutine
// touches the Lua state; the tick loop only calls Engine.Tick.
type scenario struct {
	engine *sequencer.Engine
	logger *slog.Logger
	runs   map[string]*sequencer.RecallID
	ticks  atomic.Uint64
	leaves atomic.Uint64
}

func newScenario(engine *sequencer.Engine, logger *slog.Logger) *scenario {
	return &scenario{
		engine: engine,
		logger: logger.With("component", "scenario"),
		runs:   make(map[string]*sequencer.RecallID),
	}
}

var tickScopes = []sequencer.SoundScope{
	sequencer.ScopePlayback,
	sequencer.ScopeSequencer,
	sequencer.ScopeNotation,
	sequencer.ScopeWave,
	sequencer.ScopeMIDI,
}

// Run executes src while ticking every interval. The tick loop stops once
// the script returns.
func (s *scenario) Run(ctx context.Context, name, src string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Millisecond
	}
	g, gctx := errgroup.WithContext(ctx)
	scriptDone := make(chan struct{})

	g.Go(func() error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-scriptDone:
				return nil
			case <-gctx.Done():
				return nil
			case <-t.C:
				s.tickAll()
			}
		}
	})
	g.Go(func() error {
		defer close(scriptDone)
		L := lua.NewState()
		defer L.Close()
		L.SetContext(gctx)
		s.register(L)
		if err := L.DoString(src); err != nil {
			return fmt.Errorf("script %s: %w", name, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("scenario finished", "script", name, "ticks", s.ticks.Load(), "leaves", s.leaves.Load())
	return nil
}

func (s *scenario) tickAll() {
	s.engine.BeginCycle()
	n := 0
	for _, scope := range tickScopes {
		n += s.engine.Tick(scope)
	}
	s.ticks.Add(1)
	s.leaves.Add(uint64(n))
}

func (s *scenario) register(L *lua.LState) {
	for name, fn := range map[string]lua.LGFunction{
		"audio":  s.luaAudio,
		"effect": s.luaEffect,
		"remove": s.luaRemove,
		"start":  s.luaStart,
		"stop":   s.luaStop,
		"link":   s.luaLink,
		"unlink": s.luaUnlink,
		"grow":   s.luaGrow,
		"shrink": s.luaShrink,
		"set":    s.luaSet,
		"get":    s.luaGet,
		"tick":   s.luaTick,
		"wait":   s.luaWait,
		"reap":   s.luaReap,
		"leaves": s.luaLeaves,
	} {
		L.SetGlobal(name, L.NewFunction(fn))
	}
}

func (s *scenario) check(L *lua.LState, err error) {
	if err != nil {
		L.RaiseError("%v", err)
	}
}

func (s *scenario) audioArg(L *lua.LState, n int) *sequencer.Audio {
	name := L.CheckString(n)
	a := s.engine.FindAudio(name)
	if a == nil {
		L.ArgError(n, fmt.Sprintf("unknown audio %q", name))
	}
	return a
}

func (s *scenario) channelArg(L *lua.LState, a *sequencer.Audio, dirArg, idxArg int) *sequencer.Channel {
	dir := L.CheckString(dirArg)
	i := L.CheckInt(idxArg)
	var ch *sequencer.Channel
	switch dir {
	case "in", "input":
		ch = a.Input(i)
	case "out", "output":
		ch = a.Output(i)
	default:
		L.ArgError(dirArg, "direction must be in or out")
	}
	if ch == nil {
		L.ArgError(idxArg, fmt.Sprintf("no %s channel %d on %s", dir, i, a.Name()))
	}
	return ch
}

func (s *scenario) runArg(L *lua.LState, n int) *sequencer.RecallID {
	key := L.CheckString(n)
	id, ok := s.runs[key]
	if !ok {
		L.ArgError(n, fmt.Sprintf("unknown run %q", key))
	}
	return id
}

// audio(name, inputs, outputs)
func (s *scenario) luaAudio(L *lua.LState) int {
	_, err := s.engine.AddAudio(L.Context(), L.CheckString(1), L.OptInt(2, 1), L.OptInt(3, 1))
	s.check(L, err)
	return 0
}

// effect(audio, name, child_type, opts)
//
// opts: route ("output"), target ("in"/"out"), ability ("playback|wave"),
// persistent, channels {0, 1}, ports {gain = 0.5}, channel_ports {pan = 0},
// depends {"counter"}, properties {pad = 2}, mode ("add", "remap", "add|remap").
func (s *scenario) luaEffect(L *lua.LState) int {
	a := s.audioArg(L, 1)
	spec := sequencer.EffectSpec{Name: L.CheckString(2), ChildType: L.OptString(3, "")}
	flags := sequencer.FactoryAdd
	if opts := L.OptTable(4, nil); opts != nil {
		var err error
		if flags, err = effectOptions(&spec, opts); err != nil {
			L.ArgError(4, err.Error())
		}
	}
	_, err := s.engine.InstallEffect(L.Context(), a, spec, flags)
	s.check(L, err)
	return 0
}

func effectOptions(spec *sequencer.EffectSpec, opts *lua.LTable) (sequencer.FactoryFlags, error) {
	if lua.LVAsString(opts.RawGetString("route")) == "output" {
		spec.Route = sequencer.RouteToOutput
	}
	switch lua.LVAsString(opts.RawGetString("target")) {
	case "", "in", "input":
	case "out", "output":
		spec.Target = sequencer.Output
	default:
		return 0, errors.New("target must be in or out")
	}
	if v := lua.LVAsString(opts.RawGetString("ability")); v != "" {
		for _, name := range strings.Split(v, "|") {
			scope, err := sequencer.ParseSoundScope(strings.TrimSpace(name))
			if err != nil {
				return 0, err
			}
			spec.Ability |= scope.Ability()
		}
	}
	if lua.LVAsBool(opts.RawGetString("persistent")) {
		spec.Behaviour |= sequencer.BehaviourPersistent
	}
	if t, ok := opts.RawGetString("channels").(*lua.LTable); ok {
		spec.Channels = []int{}
		t.ForEach(func(_, v lua.LValue) {
			spec.Channels = append(spec.Channels, int(lua.LVAsNumber(v)))
		})
	}
	for key, perChannel := range map[string]bool{"ports": false, "channel_ports": true} {
		if t, ok := opts.RawGetString(key).(*lua.LTable); ok {
			t.ForEach(func(k, v lua.LValue) {
				spec.Ports = append(spec.Ports, sequencer.PortSpec{
					Specifier:  lua.LVAsString(k),
					Default:    float64(lua.LVAsNumber(v)),
					PerChannel: perChannel,
				})
			})
		}
	}
	if t, ok := opts.RawGetString("depends").(*lua.LTable); ok {
		t.ForEach(func(_, v lua.LValue) {
			spec.DependsOn = append(spec.DependsOn, lua.LVAsString(v))
		})
	}
	if t, ok := opts.RawGetString("properties").(*lua.LTable); ok {
		spec.Properties = make(map[string]any)
		t.ForEach(func(k, v lua.LValue) {
			switch v.Type() {
			case lua.LTNumber:
				spec.Properties[lua.LVAsString(k)] = float64(lua.LVAsNumber(v))
			default:
				spec.Properties[lua.LVAsString(k)] = lua.LVAsString(v)
			}
		})
	}
	var flags sequencer.FactoryFlags
	for _, m := range strings.Split(lua.LVAsString(opts.RawGetString("mode")), "|") {
		switch strings.TrimSpace(m) {
		case "":
		case "add":
			flags |= sequencer.FactoryAdd
		case "remap":
			flags |= sequencer.FactoryRemap
		default:
			return 0, fmt.Errorf("unknown mode %q", m)
		}
	}
	return flags, nil
}

// remove(audio, name)
func (s *scenario) luaRemove(L *lua.LState) int {
	s.check(L, s.engine.RemoveEffect(L.Context(), s.audioArg(L, 1), L.CheckString(2)))
	return 0
}

// start(audio, scope) returns a run handle.
func (s *scenario) luaStart(L *lua.LState) int {
	a := s.audioArg(L, 1)
	scope, err := sequencer.ParseSoundScope(L.OptString(2, "playback"))
	if err != nil {
		L.ArgError(2, err.Error())
	}
	id, err := s.engine.StartRun(L.Context(), a, scope, nil)
	s.check(L, err)
	key := id.ID().String()
	s.runs[key] = id
	L.Push(lua.LString(key))
	return 1
}

// stop(run)
func (s *scenario) luaStop(L *lua.LState) int {
	id := s.runArg(L, 1)
	s.check(L, s.engine.StopRun(L.Context(), id))
	delete(s.runs, L.CheckString(1))
	return 0
}

// link(audio, input, output)
func (s *scenario) luaLink(L *lua.LState) int {
	a := s.audioArg(L, 1)
	in, out := a.Input(L.CheckInt(2)), a.Output(L.CheckInt(3))
	if in == nil || out == nil {
		L.RaiseError("link: no such channel on %s", a.Name())
	}
	s.check(L, s.engine.Topology().Link(L.Context(), in, out))
	return 0
}

// unlink(audio, input)
func (s *scenario) luaUnlink(L *lua.LState) int {
	a := s.audioArg(L, 1)
	in := a.Input(L.CheckInt(2))
	if in == nil {
		L.ArgError(2, "no such input")
	}
	s.check(L, s.engine.Topology().Unlink(L.Context(), in))
	return 0
}

// grow(audio, dir, index, n)
func (s *scenario) luaGrow(L *lua.LState) int {
	a := s.audioArg(L, 1)
	ch := s.channelArg(L, a, 2, 3)
	s.check(L, s.engine.Topology().Grow(L.Context(), ch, L.OptInt(4, 1)))
	return 0
}

// shrink(audio, dir, index, n)
func (s *scenario) luaShrink(L *lua.LState) int {
	a := s.audioArg(L, 1)
	ch := s.channelArg(L, a, 2, 3)
	s.check(L, s.engine.Topology().Shrink(L.Context(), ch, L.OptInt(4, 1)))
	return 0
}

// set(plugin, port, value)
func (s *scenario) luaSet(L *lua.LState) int {
	p := s.engine.FindPort(L.CheckString(1), L.CheckString(2))
	if p == nil {
		L.RaiseError("no port %s on %s", L.CheckString(2), L.CheckString(1))
	}
	p.Set(float64(L.CheckNumber(3)))
	return 0
}

// get(plugin, port) returns the port value.
func (s *scenario) luaGet(L *lua.LState) int {
	p := s.engine.FindPort(L.CheckString(1), L.CheckString(2))
	if p == nil {
		L.RaiseError("no port %s on %s", L.CheckString(2), L.CheckString(1))
	}
	L.Push(lua.LNumber(p.Value()))
	return 1
}

// tick(n) runs n ticks on the script goroutine and returns the leaves
// processed.
func (s *scenario) luaTick(L *lua.LState) int {
	n := L.OptInt(1, 1)
	before := s.leaves.Load()
	for i := 0; i < n; i++ {
		s.tickAll()
	}
	L.Push(lua.LNumber(s.leaves.Load() - before))
	return 1
}

// wait(ms) lets the tick loop run.
func (s *scenario) luaWait(L *lua.LState) int {
	select {
	case <-time.After(time.Duration(L.CheckInt(1)) * time.Millisecond):
	case <-L.Context().Done():
		L.RaiseError("wait: %v", L.Context().Err())
	}
	return 0
}

// reap() disposes finished channel runs and returns how many.
func (s *scenario) luaReap(L *lua.LState) int {
	n, err := s.engine.Reap(L.Context())
	s.check(L, err)
	L.Push(lua.LNumber(n))
	return 1
}

// leaves(run) returns the live leaf count of a run.
func (s *scenario) luaLeaves(L *lua.LState) int {
	run := s.engine.Run(s.runArg(L, 1))
	n := 0
	if run != nil {
		for _, cr := range run.ChannelRuns() {
			n += len(cr.LiveLeaves())
		}
	}
	L.Push(lua.LNumber(n))
	return 1
}

func midiLogger(logger *slog.Logger) func(midi.Message) {
	logger = logger.With("component", "midi")
	return func(msg midi.Message) {
		logger.Debug("midi", "message", msg.String())
	}
}
