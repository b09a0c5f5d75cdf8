package sequencer

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shaban/sequencer/config"
)

// EngineState is a serializable snapshot of the recall graph.
type EngineState struct {
	Version       string          `json:"version"`
	ID            string          `json:"id"`
	Configuration config.Config   `json:"configuration"`
	Audios        []AudioState    `json:"audios"`
	Runs          []RunInfo       `json:"runs"`
	Dispatcher    DispatcherStats `json:"dispatcher"`
	Timestamp     int64           `json:"timestamp"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// AudioState describes one audio.
type AudioState struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Channels []ChannelState `json:"channels"`
	Effects  []EffectState  `json:"effects,omitempty"`
}

// ChannelState describes one channel and its span.
type ChannelState struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Direction  string   `json:"direction"`
	Index      int      `json:"index"`
	Recyclings []string `json:"recyclings"`
	Link       string   `json:"link,omitempty"`
	RecallIDs  []string `json:"recall_ids,omitempty"`
}

// EffectState describes one container.
type EffectState struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Templates []RecallState `json:"templates"`
	Instances []RecallState `json:"instances,omitempty"`
}

// RecallState describes one recall and its children.
type RecallState struct {
	ID           string             `json:"id"`
	Kind         string             `json:"kind"`
	Flags        string             `json:"flags"`
	Scope        string             `json:"scope"`
	RecallID     string             `json:"recall_id,omitempty"`
	ChildType    string             `json:"child_type,omitempty"`
	State        string             `json:"state,omitempty"`
	Source       string             `json:"source,omitempty"`
	Destination  string             `json:"destination,omitempty"`
	Format       Format             `json:"format"`
	Ports        map[string]float64 `json:"ports,omitempty"`
	Dependencies []string           `json:"dependencies,omitempty"`
	Children     []RecallState      `json:"children,omitempty"`
}

// RunInfo describes one live run.
type RunInfo struct {
	ID          string `json:"id"`
	Audio       string `json:"audio"`
	Scope       string `json:"scope"`
	Context     string `json:"context"`
	Parent      string `json:"parent,omitempty"`
	AudioRuns   int    `json:"audio_runs"`
	ChannelRuns int    `json:"channel_runs"`
	Leaves      int    `json:"leaves"`
}

// Serializer captures engine state for debugging and inspection.
type Serializer struct {
	engine  *Engine
	mu      sync.RWMutex
	version string
}

// NewSerializer creates a new serializer.
func NewSerializer(engine *Engine) *Serializer {
	return &Serializer{
		engine:  engine,
		version: "1.0.0", // state format version
	}
}

// GetState captures the complete engine state.
func (s *Serializer) GetState() EngineState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := EngineState{
		Version:       s.version,
		ID:            s.engine.id.String(),
		Configuration: s.engine.cfg,
		Dispatcher:    s.engine.dispatcher.GetPerformanceStats(),
		Timestamp:     time.Now().Unix(),
	}
	for _, a := range s.engine.audios.Load() {
		state.Audios = append(state.Audios, audioState(a))
	}
	for _, run := range s.engine.runs.Load() {
		state.Runs = append(state.Runs, runInfo(run))
	}
	return state
}

func audioState(a *Audio) AudioState {
	as := AudioState{ID: a.ID().String(), Name: a.Name()}
	for _, ch := range a.Channels() {
		cs := ChannelState{
			ID:        ch.ID().String(),
			Name:      ch.Name(),
			Direction: ch.Direction().String(),
			Index:     ch.Index(),
		}
		for _, r := range ch.Region() {
			cs.Recyclings = append(cs.Recyclings, r.ID().String())
		}
		if l := ch.Link(); l != nil {
			cs.Link = l.Name()
		}
		for _, id := range ch.RecallIDs() {
			cs.RecallIDs = append(cs.RecallIDs, id.ID().String())
		}
		as.Channels = append(as.Channels, cs)
	}
	for _, c := range a.Containers() {
		es := EffectState{ID: c.ID().String(), Name: c.Name()}
		for _, t := range c.Templates() {
			es.Templates = append(es.Templates, recallState(t))
		}
		for _, inst := range c.Instances() {
			es.Instances = append(es.Instances, recallState(inst))
		}
		as.Effects = append(as.Effects, es)
	}
	return as
}

func recallState(r Recall) RecallState {
	b := r.base()
	rs := RecallState{
		ID:        r.ID().String(),
		Kind:      r.Kind().String(),
		Flags:     r.Flags().String(),
		Scope:     r.Scope().String(),
		ChildType: r.ChildType(),
		Format:    r.Format(),
	}
	if id := r.RecallID(); id != nil {
		rs.RecallID = id.ID().String()
	}
	if ports := b.Ports(); len(ports) > 0 {
		rs.Ports = make(map[string]float64, len(ports))
		for _, p := range ports {
			rs.Ports[p.Specifier()] = p.Value()
		}
	}
	for _, d := range b.Dependencies() {
		rs.Dependencies = append(rs.Dependencies, d.Dependency().Name())
	}
	switch v := r.(type) {
	case *RecallChannelRun:
		rs.State = v.State().String()
		if src := v.Source(); src != nil {
			rs.Source = src.Name()
		}
		if dst := v.Destination(); dst != nil {
			rs.Destination = dst.Name()
		}
	case *RecallRecycling:
		rs.Source = v.Source().ID().String()
		if dst := v.Destination(); dst != nil {
			rs.Destination = dst.ID().String()
		}
	}
	for _, child := range r.Children() {
		rs.Children = append(rs.Children, recallState(child))
	}
	return rs
}

func runInfo(run *Run) RunInfo {
	ri := RunInfo{
		ID:          run.id.ID().String(),
		Audio:       run.audio.Name(),
		Scope:       run.id.Scope().String(),
		AudioRuns:   run.audioRuns.Len(),
		ChannelRuns: run.channelRuns.Len(),
	}
	if ctx := run.id.Context(); ctx != nil {
		ri.Context = ctx.ID().String()
		if p := ctx.Parent(); p != nil {
			ri.Parent = p.ID().String()
		}
	}
	for _, cr := range run.channelRuns.Load() {
		ri.Leaves += len(cr.LiveLeaves())
	}
	return ri
}

// SaveToWriter saves the engine state to a writer (JSON format).
func (s *Serializer) SaveToWriter(writer io.Writer) error {
	state := s.GetState()

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ") // Pretty print

	if err := encoder.Encode(state); err != nil {
		return fmt.Errorf("failed to encode engine state: %w", err)
	}
	return nil
}

// SaveToJSON returns the engine state as JSON string.
func (s *Serializer) SaveToJSON() (string, error) {
	state := s.GetState()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal engine state: %w", err)
	}
	return string(data), nil
}

// ReadState decodes a snapshot written by SaveToWriter. Snapshots are for
// inspection; the graph is rebuilt from effects, not from a snapshot.
func ReadState(reader io.Reader) (EngineState, error) {
	var state EngineState
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(&state); err != nil {
		return EngineState{}, fmt.Errorf("failed to decode engine state: %w", err)
	}
	return state, nil
}
