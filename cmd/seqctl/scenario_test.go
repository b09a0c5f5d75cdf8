package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gitlab.com/gomidi/midi/v2"

	"github.com/shaban/sequencer"
	"github.com/shaban/sequencer/internal/testutil"
	"github.com/shaban/sequencer/leaf"
)

func newTestScenario(t *testing.T) (*scenario, *sequencer.Engine) {
	t.Helper()
	e, err := sequencer.NewEngine(testutil.SmallConfig(),
		sequencer.WithLogger(testutil.DiscardLogger()),
		sequencer.WithRegistry(leaf.DefaultRegistry()))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return newScenario(e, testutil.DiscardLogger()), e
}

func runScript(t *testing.T, name string) *sequencer.Engine {
	t.Helper()
	src, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatal(err)
	}
	sc, e := newTestScenario(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sc.Run(ctx, name, string(src), time.Millisecond); err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return e
}

func TestScenarioRelink(t *testing.T) {
	e := runScript(t, "relink.lua")

	if runs := e.Runs(); len(runs) != 0 {
		t.Fatalf("runs left = %d", len(runs))
	}
	a := e.FindAudio("voice")
	if a == nil {
		t.Fatal("audio voice missing")
	}
	if got := len(a.Output(1).Region()); got != 2 {
		t.Errorf("output 1 recyclings = %d, want 2", got)
	}
	if a.Input(0).Link() != nil {
		t.Error("input 0 still linked")
	}
	if got := e.FindPort("volume", "gain").Value(); got != 1 {
		t.Errorf("gain = %v, want 1", got)
	}
}

func TestScenarioLifetime(t *testing.T) {
	e := runScript(t, "lifetime.lua")
	if runs := e.Runs(); len(runs) != 0 {
		t.Fatalf("runs left = %d", len(runs))
	}
}

func TestScenarioErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown audio", `start("nope")`, "unknown audio"},
		{"bad scope", `audio("a", 1, 1) start("a", "radio")`, "unknown sound scope"},
		{"duplicate effect", `audio("a", 1, 1) effect("a", "fx", "copy") effect("a", "fx", "copy")`, "already installed"},
		{"bad mode", `audio("a", 1, 1) effect("a", "fx", "copy", {mode = "swap"})`, "unknown mode"},
		{"unknown run", `stop("42")`, "unknown run"},
		{"missing port", `set("fx", "gain", 1)`, "no port"},
		{"script error", `error("boom")`, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, _ := newTestScenario(t)
			err := sc.Run(context.Background(), tt.name, tt.src, time.Millisecond)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestScenarioEffectModes(t *testing.T) {
	sc, e := newTestScenario(t)
	src := `
		audio("a", 2, 2)
		effect("a", "fx", "copy", {channels = {0}})
		local run = start("a")
		assert(leaves(run) == 1)
		effect("a", "fx", "copy", {mode = "add|remap"})
		assert(leaves(run) == 2)
		remove("a", "fx")
		assert(leaves(run) == 0)
	`
	if err := sc.Run(context.Background(), "modes", src, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if got := len(e.FindAudio("a").Containers()); got != 0 {
		t.Errorf("containers = %d, want 0", got)
	}
}

func TestScenarioCancelledContext(t *testing.T) {
	sc, _ := newTestScenario(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sc.Run(ctx, "wait", `wait(1000)`, time.Millisecond); err == nil {
		t.Fatal("expected an error from a cancelled script")
	}
}

func TestRunWritesState(t *testing.T) {
	out := filepath.Join(t.TempDir(), "state.json")
	if err := run("", filepath.Join("testdata", "relink.lua"), out, "text", time.Millisecond, true); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	state, err := sequencer.ReadState(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Audios) != 1 || state.Audios[0].Name != "voice" {
		t.Fatalf("audios = %+v", state.Audios)
	}
	if got := len(state.Audios[0].Effects); got != 2 {
		t.Errorf("effects = %d, want 2", got)
	}
}

func TestRunRequiresScript(t *testing.T) {
	if err := run("", "", "", "text", time.Millisecond, false); err == nil {
		t.Fatal("expected error without -script")
	}
}

func TestMIDILogger(t *testing.T) {
	// Must not panic on any message kind.
	log := midiLogger(testutil.DiscardLogger())
	log(midi.NoteOn(1, 60, 100))
	log(midi.NoteOff(1, 60))
}

func TestRunStrictFailsOnWarnings(t *testing.T) {
	script := filepath.Join(t.TempDir(), "missing_dep.lua")
	src := `audio("a", 1, 1) effect("a", "fx", "copy", {depends = {"counter"}})`
	if err := os.WriteFile(script, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "state.json")
	if err := run("", script, out, "text", time.Millisecond, false); err != nil {
		t.Fatalf("lenient run: %v", err)
	}
	err := run("", script, out, "text", time.Millisecond, true)
	if err == nil || !strings.Contains(err.Error(), "effect-not-found=2") {
		t.Fatalf("strict run: %v", err)
	}
}

func TestCheckWarnings(t *testing.T) {
	warnings := []error{
		fmt.Errorf("fx: %w", sequencer.ErrUnresolvedDependency),
		fmt.Errorf("fx: %w", sequencer.ErrUnresolvedDependency),
		errors.New("operation reap took 1s"),
	}
	tests := []struct {
		name     string
		warnings []error
		strict   bool
		want     string
	}{
		{"lenient", warnings, false, ""},
		{"strict without warnings", nil, true, ""},
		{"strict", warnings, true, "3 engine warnings (other=1, unresolved-dependency=2)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkWarnings(tt.warnings, tt.strict)
			got := ""
			if err != nil {
				got = err.Error()
			}
			if got != tt.want {
				t.Fatalf("checkWarnings = %q, want %q", got, tt.want)
			}
		})
	}
}
