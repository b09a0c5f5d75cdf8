package sequencer

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Env carries the collaborators recalls need while duplicating and mapping
// children. One Env is shared by every container of an Engine.
type Env struct {
	Registry *Registry
	Errors   ErrorHandler
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  MetricsHook

	reclaim *reclaimer
}

// NewEnv returns an Env with defaults for every unset collaborator.
func NewEnv(registry *Registry, logger *slog.Logger) *Env {
	env := &Env{Registry: registry, Logger: logger}
	return env.withDefaults()
}

func (env *Env) withDefaults() *Env {
	if env.Registry == nil {
		env.Registry = NewRegistry()
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	if env.Errors == nil {
		env.Errors = &DefaultErrorHandler{Logger: env.Logger}
	}
	if env.Tracer == nil {
		env.Tracer = defaultTracer()
	}
	if env.Metrics == nil {
		env.Metrics = NoopMetrics{}
	}
	if env.reclaim == nil {
		env.reclaim = &reclaimer{}
	}
	return env
}

func (env *Env) report(err error) {
	if err != nil && env.Errors != nil {
		env.Errors.HandleError(err)
	}
}
