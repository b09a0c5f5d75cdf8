package sequencer

import (
	"errors"
	"log/slog"
)

var (
	// ErrNotTemplate is returned when an instance is used where a template is required.
	ErrNotTemplate = errors.New("recall is not a template")
	// ErrNoRecallID is returned by Duplicate without a recall id outside template scope.
	ErrNoRecallID = errors.New("recall id required")
	// ErrTopologyMismatch is returned when a destination channel has no
	// recycling context compatible with the run being duplicated. Callers skip
	// the instance and retry on the next topology change.
	ErrTopologyMismatch = errors.New("destination has no matching recycling context")
	// ErrUnknownChildType is returned when no leaf factory is registered for a child type.
	ErrUnknownChildType = errors.New("unknown child type")
	// ErrUnknownProperty is returned by Duplicate for unknown property names.
	ErrUnknownProperty = errors.New("unknown property")
	// ErrDisposed is returned when operating on a disposed object.
	ErrDisposed = errors.New("object disposed")
	// ErrEngineClosed is returned after Engine.Close.
	ErrEngineClosed = errors.New("engine closed")
	// ErrRunNotFound is returned for recall ids the engine does not know.
	ErrRunNotFound = errors.New("run not found")
	// ErrEffectNotFound is returned for effects not installed on an audio.
	ErrEffectNotFound = errors.New("effect not installed")
	// ErrEffectExists is returned by InstallEffect with FactoryAdd when the effect is already installed.
	ErrEffectExists = errors.New("effect already installed")
)

// ErrorHandler receives non-fatal engine errors: unresolved dependencies,
// skipped duplications, failing leaf factories, slow mutations.
type ErrorHandler interface {
	HandleError(error)
}

// DefaultErrorHandler logs errors as warnings.
type DefaultErrorHandler struct {
	Logger *slog.Logger
}

// HandleError implements ErrorHandler.
func (h *DefaultErrorHandler) HandleError(err error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("engine error", slog.Any("err", err))
}

// LoggingErrorHandler logs every error with its class, then passes it on.
type LoggingErrorHandler struct {
	next   ErrorHandler
	logger *slog.Logger
}

// NewLoggingErrorHandler wraps next, which may be nil.
func NewLoggingErrorHandler(next ErrorHandler, logger *slog.Logger) *LoggingErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingErrorHandler{next: next, logger: logger}
}

// HandleError implements ErrorHandler.
func (h *LoggingErrorHandler) HandleError(err error) {
	h.logger.Warn("engine error", "class", ErrorClass(err), slog.Any("err", err))
	if h.next != nil {
		h.next.HandleError(err)
	}
}

var errorClasses = []struct {
	err  error
	name string
}{
	{ErrUnresolvedDependency, "unresolved-dependency"},
	{ErrTopologyMismatch, "topology-mismatch"},
	{ErrUnknownChildType, "unknown-child-type"},
	{ErrUnknownProperty, "unknown-property"},
	{ErrEffectNotFound, "effect-not-found"},
	{ErrEffectExists, "effect-exists"},
	{ErrNotTemplate, "not-template"},
	{ErrNoRecallID, "no-recall-id"},
	{ErrRunNotFound, "run-not-found"},
	{ErrDisposed, "disposed"},
	{ErrEngineClosed, "engine-closed"},
}

// ErrorClass names the sentinel err wraps, or "other".
func ErrorClass(err error) string {
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.name
		}
	}
	return "other"
}

// CollectingErrorHandler records errors; tests use it to assert on warnings.
type CollectingErrorHandler struct {
	errs cowList[error]
}

// HandleError implements ErrorHandler.
func (h *CollectingErrorHandler) HandleError(err error) { h.errs.Append(err) }

// Errors returns the recorded errors.
func (h *CollectingErrorHandler) Errors() []error { return h.errs.Snapshot() }

// Count returns how many recorded errors match target via errors.Is.
func (h *CollectingErrorHandler) Count(target error) int {
	n := 0
	for _, err := range h.errs.Load() {
		if errors.Is(err, target) {
			n++
		}
	}
	return n
}
