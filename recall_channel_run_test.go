package sequencer

import (
	"testing"
)

func TestMapRecallRecyclingCoverage(t *testing.T) {
	tests := []struct {
		name    string
		sources int
		dests   int
		bound   bool
	}{
		{"pairs 3x2", 3, 2, true},
		{"pairs 1x1", 1, 1, true},
		{"pairs 4x3", 4, 3, true},
		{"destination spans nothing", 2, 0, true},
		{"pass-through 3", 3, 0, false},
		{"pass-through 1", 1, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, _, _ := newTestEnv(t)
			src := testChannel("src", Input, tt.sources)
			var dst *Channel
			if tt.bound {
				dst = testChannel("dst", Output, tt.dests)
			}
			_, run, _ := newTestRun(t, env, src, dst, "probe")
			if err := run.MapRecallRecycling(bg); err != nil {
				t.Fatalf("map: %v", err)
			}
			if run.State() != StateMapped {
				t.Fatalf("state = %v, want mapped", run.State())
			}
			want := tt.sources
			if tt.bound {
				want = tt.sources * tt.dests
			}
			if got := len(run.Children()); got != want {
				t.Fatalf("children = %d, want %d", got, want)
			}
			assertCoverage(t, run, src.Region(), dst.Region(), tt.bound)
			for _, l := range run.Leaves() {
				if !l.Connected() {
					t.Fatalf("leaf %s not connected", l.ID())
				}
				if l.RecallID() != run.RecallID() {
					t.Fatalf("leaf does not carry the run's recall id")
				}
				if l.Parent() != Recall(run) {
					t.Fatalf("leaf parent is not the run")
				}
			}
		})
	}
}

func TestMapRecallRecyclingSkips(t *testing.T) {
	t.Run("template", func(t *testing.T) {
		env, _, _ := newTestEnv(t)
		src := testChannel("src", Input, 2)
		c, _, _ := newTestRun(t, env, src, nil, "probe")
		tmpl := c.ChannelRunTemplate(src)
		if err := tmpl.MapRecallRecycling(bg); err != nil {
			t.Fatalf("map: %v", err)
		}
		if n := len(tmpl.Children()); n != 0 {
			t.Fatalf("template got %d children", n)
		}
		if tmpl.State() != StateTemplateOnly {
			t.Fatalf("template state = %v", tmpl.State())
		}
	})
	t.Run("no child type", func(t *testing.T) {
		env, _, _ := newTestEnv(t)
		_, run, _ := newTestRun(t, env, testChannel("src", Input, 2), nil, "")
		if err := run.MapRecallRecycling(bg); err != nil {
			t.Fatalf("map: %v", err)
		}
		if n := len(run.Children()); n != 0 {
			t.Fatalf("got %d children", n)
		}
	})
	t.Run("no source", func(t *testing.T) {
		env, _, _ := newTestEnv(t)
		src := testChannel("src", Input, 2)
		_, run, _ := newTestRun(t, env, src, nil, "probe")
		if err := run.SetSource(bg, nil); err != nil {
			t.Fatalf("set source: %v", err)
		}
		if n := len(run.Children()); n != 0 {
			t.Fatalf("got %d children", n)
		}
	})
	t.Run("mapped twice", func(t *testing.T) {
		env, _, _ := newTestEnv(t)
		_, run, _ := newTestRun(t, env, testChannel("src", Input, 2), testChannel("dst", Output, 2), "probe")
		for i := 0; i < 2; i++ {
			if err := run.MapRecallRecycling(bg); err != nil {
				t.Fatalf("map: %v", err)
			}
		}
		if n := len(run.Children()); n != 4 {
			t.Fatalf("got %d children, want 4", n)
		}
	})
}

func TestMapWithFailingFactoryKeepsSilentLeaves(t *testing.T) {
	env, _, errs := newTestEnv(t)
	src := testChannel("src", Input, 2)
	_, run, _ := newTestRun(t, env, src, nil, "broken")
	if err := run.MapRecallRecycling(bg); err != nil {
		t.Fatalf("map: %v", err)
	}
	if n := len(run.Leaves()); n != 2 {
		t.Fatalf("leaves = %d, want 2", n)
	}
	for _, l := range run.Leaves() {
		if l.Connected() {
			t.Fatalf("leaf unexpectedly connected")
		}
		if l.runPre(1) {
			t.Fatalf("unconnected leaf processed")
		}
	}
	if len(errs.Errors()) != 2 {
		t.Fatalf("reported %d errors, want 2", len(errs.Errors()))
	}
}

func TestRemapWithEmptyRegionsIsNoop(t *testing.T) {
	env, ps, _ := newTestEnv(t)
	src := testChannel("src", Input, 3)
	dst := testChannel("dst", Output, 2)
	_, run, _ := newTestRun(t, env, src, dst, "probe")
	if err := run.MapRecallRecycling(bg); err != nil {
		t.Fatalf("map: %v", err)
	}
	before := run.Children()

	if err := run.RemapChildSource(bg, nil, nil); err != nil {
		t.Fatalf("remap source: %v", err)
	}
	if err := run.RemapChildDestination(bg, nil, nil); err != nil {
		t.Fatalf("remap destination: %v", err)
	}

	after := run.Children()
	if len(before) != len(after) {
		t.Fatalf("children %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("child %d replaced", i)
		}
	}
	if n := ps.count(func(p *probe) bool { return p.cancelled.Load() }); n != 0 {
		t.Fatalf("%d leaves cancelled", n)
	}
	if run.State() != StateMapped {
		t.Fatalf("state = %v", run.State())
	}
}

func TestRemapShrinkThenGrow(t *testing.T) {
	env, ps, _ := newTestEnv(t)
	src := testChannel("src", Input, 5)
	dst := testChannel("dst", Output, 2)
	_, run, _ := newTestRun(t, env, src, dst, "probe")
	if err := run.MapRecallRecycling(bg); err != nil {
		t.Fatalf("map: %v", err)
	}
	all := src.Region()
	old, next := all[0:3], all[2:5]

	if err := run.RemapChildSource(bg, all[3:5], nil); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	assertCoverage(t, run, old, dst.Region(), true)

	if err := run.RemapChildSource(bg, old, next); err != nil {
		t.Fatalf("remap: %v", err)
	}
	for _, l := range run.Leaves() {
		if l.Source() == all[0] || l.Source() == all[1] {
			t.Fatalf("leaf of removed recycling survived")
		}
	}
	assertCoverage(t, run, next, dst.Region(), true)
	if !run.SourceRegion().Equal(next) {
		t.Fatalf("covered source span not updated")
	}
	for _, p := range ps.list() {
		if p.closed.Load() && !p.cancelled.Load() {
			t.Fatalf("leaf finalized without being cancelled")
		}
	}
}

func TestRemapScenario(t *testing.T) {
	setup := func(t *testing.T) (*RecallChannelRun, *Channel, *Channel, *probes) {
		env, ps, _ := newTestEnv(t)
		src := testChannel("src", Input, 3)
		dst := testChannel("dst", Output, 2)
		_, run, _ := newTestRun(t, env, src, dst, "probe")
		if err := run.MapRecallRecycling(bg); err != nil {
			t.Fatalf("map: %v", err)
		}
		if n := len(run.Children()); n != 6 {
			t.Fatalf("initial children = %d, want 6", n)
		}
		assertCoverage(t, run, src.Region(), dst.Region(), true)
		return run, src, dst, ps
	}
	check := func(t *testing.T, run *RecallChannelRun, src *Channel, d0 *Recycling, ps *probes) {
		t.Helper()
		assertCoverage(t, run, src.Region(), Region{d0}, true)
		if n := ps.count(func(p *probe) bool { return p.cancelled.Load() && p.closed.Load() }); n != 3 {
			t.Fatalf("%d leaves torn down, want 3", n)
		}
		for _, p := range ps.list() {
			if p.closed.Load() != (p.destination != d0) {
				t.Fatalf("wrong leaf torn down")
			}
		}
		if n := len(ps.list()); n != 6 {
			t.Fatalf("%d leaves built, want 6 (kept leaves are not rebuilt)", n)
		}
	}

	t.Run("full regions", func(t *testing.T) {
		run, src, dst, ps := setup(t)
		rg := dst.Region()
		if err := run.RemapChildDestination(bg, rg, Region{rg[0]}); err != nil {
			t.Fatalf("remap: %v", err)
		}
		check(t, run, src, rg[0], ps)
	})
	t.Run("changed sub-span", func(t *testing.T) {
		run, src, dst, ps := setup(t)
		rg := dst.Region()
		dst.setSpan(Region{rg[0]})
		change := NewRecyclingChange(dst, rg, Region{rg[0]})
		if len(change.OldChanged) != 1 || change.OldChanged[0] != rg[1] || len(change.NewChanged) != 0 {
			t.Fatalf("unexpected changed spans %v %v", change.OldChanged, change.NewChanged)
		}
		if err := run.RecyclingChanged(bg, nil, &change); err != nil {
			t.Fatalf("recycling changed: %v", err)
		}
		check(t, run, src, rg[0], ps)
		if !run.DestinationRegion().Equal(Region{rg[0]}) {
			t.Fatalf("covered destination span not updated")
		}
	})
}

func TestRecyclingChangedStaleAndRepeated(t *testing.T) {
	env, _, _ := newTestEnv(t)
	src := testChannel("src", Input, 2)
	dst := testChannel("dst", Output, 1)
	_, run, _ := newTestRun(t, env, src, dst, "probe")
	if err := run.MapRecallRecycling(bg); err != nil {
		t.Fatalf("map: %v", err)
	}

	old := src.Region()
	grown := append(append(Region(nil), old...), NewRecycling(8))
	link(old.Last(), grown.Last())
	src.setSpan(grown)
	change := NewRecyclingChange(src, old, grown)

	for i := 0; i < 3; i++ {
		if err := run.RecyclingChanged(bg, &change, nil); err != nil {
			t.Fatalf("recycling changed #%d: %v", i, err)
		}
		assertCoverage(t, run, grown, dst.Region(), true)
	}

	// a change whose old span does not match what is covered is reconciled
	// against the new span
	shrunk := grown[1:]
	src.setSpan(shrunk)
	stale := NewRecyclingChange(src, old, shrunk)
	if err := run.RecyclingChanged(bg, &stale, nil); err != nil {
		t.Fatalf("stale change: %v", err)
	}
	assertCoverage(t, run, shrunk, dst.Region(), true)
}

func TestRemapBothSidesDestinationFirst(t *testing.T) {
	env, _, _ := newTestEnv(t)
	src := testChannel("src", Input, 2)
	dst := testChannel("dst", Output, 2)
	_, run, _ := newTestRun(t, env, src, dst, "probe")
	if err := run.MapRecallRecycling(bg); err != nil {
		t.Fatalf("map: %v", err)
	}
	srcOld, dstOld := src.Region(), dst.Region()

	srcNew := Region{srcOld[1], NewRecycling(8)}
	link(srcOld[1], srcNew[1])
	dstNew := Region{NewRecycling(8)}
	src.setSpan(srcNew)
	dst.setSpan(dstNew)

	srcChange := NewRecyclingChange(src, srcOld, srcNew)
	dstChange := NewRecyclingChange(dst, dstOld, dstNew)
	if err := run.RecyclingChanged(bg, &srcChange, &dstChange); err != nil {
		t.Fatalf("recycling changed: %v", err)
	}
	assertCoverage(t, run, srcNew, dstNew, true)

	// the same through the explicit entry point
	env2, _, _ := newTestEnv(t)
	src2 := testChannel("src", Input, 2)
	dst2 := testChannel("dst", Output, 2)
	_, run2, _ := newTestRun(t, env2, src2, dst2, "probe")
	if err := run2.MapRecallRecycling(bg); err != nil {
		t.Fatalf("map: %v", err)
	}
	s, d := src2.Region(), dst2.Region()
	s2 := Region{s[1], NewRecycling(8)}
	link(s[1], s2[1])
	d2 := Region{NewRecycling(8)}
	if err := run2.Remap(bg, Region{s[0]}, Region{s2[1]}, d, d2); err != nil {
		t.Fatalf("remap: %v", err)
	}
	assertCoverage(t, run2, s2, d2, true)
}

func TestRemapOnTemplateOrUnmappedIsNoop(t *testing.T) {
	env, _, _ := newTestEnv(t)
	src := testChannel("src", Input, 2)
	dst := testChannel("dst", Output, 1)
	c, run, _ := newTestRun(t, env, src, dst, "probe")

	extra := NewRecycling(8)
	if err := run.RemapChildSource(bg, nil, Region{extra}); err != nil {
		t.Fatalf("remap unmapped: %v", err)
	}
	if n := len(run.Children()); n != 0 {
		t.Fatalf("unmapped run got %d children", n)
	}

	tmpl := c.ChannelRunTemplate(src)
	if err := tmpl.RemapChildSource(bg, nil, Region{extra}); err != nil {
		t.Fatalf("remap template: %v", err)
	}
	if err := tmpl.RemapChildDestination(bg, dst.Region(), nil); err != nil {
		t.Fatalf("remap template: %v", err)
	}
	if n := len(tmpl.Children()); n != 0 {
		t.Fatalf("template got %d children", n)
	}
	if tmpl.State() != StateTemplateOnly {
		t.Fatalf("template state = %v", tmpl.State())
	}
}

func TestSetDestinationRebuildsChildren(t *testing.T) {
	env, ps, _ := newTestEnv(t)
	src := testChannel("src", Input, 2)
	dst := testChannel("dst", Output, 1)
	_, run, _ := newTestRun(t, env, src, dst, "probe")
	if err := run.MapRecallRecycling(bg); err != nil {
		t.Fatalf("map: %v", err)
	}

	other := testChannel("other", Output, 3)
	if err := run.SetDestination(bg, other); err != nil {
		t.Fatalf("set destination: %v", err)
	}
	assertCoverage(t, run, src.Region(), other.Region(), true)
	if n := ps.count(func(p *probe) bool { return p.closed.Load() }); n != 2 {
		t.Fatalf("%d old leaves finalized, want 2", n)
	}

	if err := run.SetDestination(bg, nil); err != nil {
		t.Fatalf("clear destination: %v", err)
	}
	assertCoverage(t, run, src.Region(), nil, false)
}

func TestCancelThenDispose(t *testing.T) {
	env, ps, _ := newTestEnv(t)
	src := testChannel("src", Input, 2)
	_, run, _ := newTestRun(t, env, src, nil, "probe")
	if err := run.MapRecallRecycling(bg); err != nil {
		t.Fatalf("map: %v", err)
	}
	run.Cancel()
	if n := ps.count(func(p *probe) bool { return p.cancelled.Load() }); n != 2 {
		t.Fatalf("%d probes cancelled, want 2", n)
	}
	if n := run.runPre(1); n != 0 {
		t.Fatalf("cancelled run processed %d leaves", n)
	}
	if len(run.Children()) != 2 {
		t.Fatalf("cancel removed children")
	}

	run.Dispose()
	if len(run.Children()) != 0 {
		t.Fatalf("dispose kept children")
	}
	if n := ps.count(func(p *probe) bool { return p.closed.Load() }); n != 2 {
		t.Fatalf("%d probes finalized, want 2", n)
	}
	if err := run.RemapChildSource(bg, nil, src.Region()); err != nil {
		t.Fatalf("remap disposed: %v", err)
	}
	if len(run.Children()) != 0 {
		t.Fatalf("disposed run got children")
	}
}

func TestRunPreMixesIntoDestination(t *testing.T) {
	env, ps, _ := newTestEnv(t)
	src := testChannel("src", Input, 2)
	dst := testChannel("dst", Output, 1)
	_, run, _ := newTestRun(t, env, src, dst, "probe")
	if err := run.MapRecallRecycling(bg); err != nil {
		t.Fatalf("map: %v", err)
	}
	for i, r := range src.Region() {
		for j := range r.Buffer() {
			r.Buffer()[j] = float64(i + 1)
		}
	}
	if n := run.runPre(1); n != 2 {
		t.Fatalf("processed %d leaves, want 2", n)
	}
	for _, v := range dst.Region()[0].Buffer() {
		if v != 3 {
			t.Fatalf("destination sample = %v, want 3", v)
		}
	}
	for _, l := range run.Leaves() {
		if l.Cursor() != 8 {
			t.Fatalf("cursor = %d, want 8", l.Cursor())
		}
	}
	if n := ps.count(func(p *probe) bool { return p.processed.Load() == 1 }); n != 2 {
		t.Fatalf("%d probes processed once", n)
	}
}

func TestApplyDeltaKeepsChainOrder(t *testing.T) {
	c := testChannel("c", Input, 5)
	all := c.Region()
	tests := []struct {
		name   string
		cached Region
		old    Region
		next   Region
		want   Region
	}{
		{"append", all[:3], nil, all[3:], all},
		{"prepend", all[2:], nil, all[:2], all},
		{"middle", Region{all[0], all[4]}, nil, all[1:4], all},
		{"replace", all[:3], all[1:3], all[3:], Region{all[0], all[3], all[4]}},
		{"remove", all, all[1:2], nil, Region{all[0], all[2], all[3], all[4]}},
		{"already covered", all, nil, all[1:2], all},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := applyDelta(tt.cached, tt.old, tt.next); !got.Equal(tt.want) {
				t.Fatalf("got %d recyclings, want %d in chain order", len(got), len(tt.want))
			}
		})
	}
}
