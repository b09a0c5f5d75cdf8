package sequencer

import (
	"time"

	"github.com/google/uuid"
)

// MetricsHook allows callers to observe key events and durations in the engine.
// Implementers can log, aggregate metrics, or emit traces. OnTick runs on the
// audio thread and must not block.
type MetricsHook interface {
	// Run lifecycle
	OnRunStart(id uuid.UUID, scope SoundScope, instances int)
	OnRunStop(id uuid.UUID, scope SoundScope)

	// One remap of a channel run
	OnRemap(run uuid.UUID, removed, added int, duration time.Duration)

	// One dispatcher operation
	OnOperation(name string, duration time.Duration, err error)

	// One tick over a sound scope
	OnTick(scope SoundScope, leaves int, duration time.Duration)
}

// NoopMetrics discards every event.
type NoopMetrics struct{}

func (NoopMetrics) OnRunStart(uuid.UUID, SoundScope, int) {}
func (NoopMetrics) OnRunStop(uuid.UUID, SoundScope) {}
func (NoopMetrics) OnRemap(uuid.UUID, int, int, time.Duration) {}
func (NoopMetrics) OnOperation(string, time.Duration, error) {}
func (NoopMetrics) OnTick(SoundScope, int, time.Duration) {}
