package sequencer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shaban/sequencer/config"
)

// probe is a test processor recording what happened to it.
type probe struct {
	source      *Recycling
	destination *Recycling

	processed atomic.Int64
	cancelled atomic.Bool
	closed    atomic.Bool
	finishAt  int64
}

func (p *probe) Process(b *Block) {
	if b.Destination != nil {
		for i := 0; i < b.Frames; i++ {
			b.Destination[i] += b.Source[i]
		}
	}
	p.processed.Add(1)
}

func (p *probe) Cancel() { p.cancelled.Store(true) }

func (p *probe) Close() error {
	if p.closed.Swap(true) {
		return errors.New("closed twice")
	}
	return nil
}

func (p *probe) Done() bool { return p.finishAt > 0 && p.processed.Load() >= p.finishAt }

// probes collects every probe a registry built.
type probes struct {
	mu  sync.Mutex
	all []*probe
}

func (ps *probes) list() []*probe {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]*probe(nil), ps.all...)
}

func (ps *probes) count(fn func(*probe) bool) int {
	n := 0
	for _, p := range ps.list() {
		if fn(p) {
			n++
		}
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// probeRegistry registers "probe" and "finisher" (done after two blocks).
func probeRegistry() (*Registry, *probes) {
	ps := &probes{}
	r := NewRegistry()
	build := func(finishAt int64) Factory {
		return func(ctx LeafContext) (Processor, error) {
			p := &probe{source: ctx.Source, destination: ctx.Destination, finishAt: finishAt}
			ps.mu.Lock()
			ps.all = append(ps.all, p)
			ps.mu.Unlock()
			return p, nil
		}
	}
	r.MustRegister("probe", build(0))
	r.MustRegister("finisher", build(2))
	r.MustRegister("broken", func(LeafContext) (Processor, error) {
		return nil, errors.New("no such plugin")
	})
	return r, ps
}

func newTestEnv(t *testing.T) (*Env, *probes, *CollectingErrorHandler) {
	t.Helper()
	reg, ps := probeRegistry()
	errs := &CollectingErrorHandler{}
	env := NewEnv(reg, discardLogger())
	env.Errors = errs
	return env, ps, errs
}

// testChannel creates a channel owning a fresh chain of n recyclings.
func testChannel(name string, dir Direction, n int) *Channel {
	c := newChannel(nil, name, dir, 0)
	var (
		rg   Region
		prev *Recycling
	)
	for i := 0; i < n; i++ {
		r := NewRecycling(8)
		r.setChannel(c)
		link(prev, r)
		prev = r
		rg = append(rg, r)
	}
	c.setSpan(rg)
	return c
}

// newTestRun duplicates a channel run of src (and dst) for a fresh root run.
func newTestRun(t *testing.T, env *Env, src, dst *Channel, childType string) (*RecallContainer, *RecallChannelRun, *RecallID) {
	t.Helper()
	c := NewRecallContainer("fx", nil, env)
	rc := NewRecallChannel(src, "fx", WithChildType(childType))
	tmpl := NewRecallChannelRun(rc, src, dst, "fx", WithChildType(childType))
	if err := c.Add(rc); err != nil {
		t.Fatalf("add recall channel: %v", err)
	}
	if err := c.Add(tmpl); err != nil {
		t.Fatalf("add channel run: %v", err)
	}
	id := NewRecallID(ScopePlayback, NewRecyclingContext(nil))
	src.AddRecallID(id)
	if dst != nil {
		dst.AddRecallID(id)
	}
	inst, err := c.Duplicate(tmpl, id)
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	return c, inst.(*RecallChannelRun), id
}

type pair struct{ src, dst *Recycling }

// livePairs counts live leaves per (source, destination).
func livePairs(r *RecallChannelRun) map[pair]int {
	out := make(map[pair]int)
	for _, l := range r.LiveLeaves() {
		out[pair{l.Source(), l.Destination()}]++
	}
	return out
}

// assertCoverage checks that the live leaves are exactly src x dst (or one
// per source when dst is nil), each pair once.
func assertCoverage(t *testing.T, r *RecallChannelRun, src, dst Region, bound bool) {
	t.Helper()
	got := livePairs(r)
	want := make(map[pair]int)
	for _, s := range src {
		if !bound {
			want[pair{s, nil}] = 1
			continue
		}
		for _, d := range dst {
			want[pair{s, d}] = 1
		}
	}
	if len(got) != len(want) {
		t.Fatalf("leaf pairs = %d, want %d", len(got), len(want))
	}
	for p, n := range want {
		if got[p] != n {
			t.Fatalf("pair %v/%v: %d leaves, want %d", p.src.ID(), idOrNil(p.dst), got[p], n)
		}
	}
	if len(r.Leaves()) != len(want) {
		t.Fatalf("children = %d, want %d", len(r.Leaves()), len(want))
	}
}

func idOrNil(r *Recycling) string {
	if r == nil {
		return "nil"
	}
	return r.ID().String()
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *probes, *CollectingErrorHandler) {
	t.Helper()
	reg, ps := probeRegistry()
	errs := &CollectingErrorHandler{}
	cfg := config.Default()
	cfg.Audio.BufferSize = 64
	all := append([]Option{WithRegistry(reg), WithErrorHandler(errs), WithLogger(discardLogger())}, opts...)
	e, err := NewEngine(cfg, all...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, ps, errs
}

var bg = context.Background()
