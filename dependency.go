package sequencer

import (
	"errors"
	"fmt"
)

// ErrUnresolvedDependency is reported when no sibling instance matches a
// dependency. It is a warning; the dependent field stays nil.
var ErrUnresolvedDependency = errors.New("unresolved dependency")

// BindFunc receives the resolved instance of a dependency. resolved is nil
// when nothing matched.
type BindFunc func(consumer, resolved Recall)

// RecallDependency links a consumer template to the template of a sibling
// whose instance the consumer must see for the same run.
type RecallDependency struct {
	dependency Recall
	bind       BindFunc
}

// NewRecallDependency creates a dependency on the template dependency.
// bind may be nil.
func NewRecallDependency(dependency Recall, bind BindFunc) *RecallDependency {
	return &RecallDependency{dependency: dependency, bind: bind}
}

// Dependency returns the template depended on.
func (d *RecallDependency) Dependency() Recall { return d.dependency }

// AddDependency stores d on a template.
func (b *Base) AddDependency(d *RecallDependency) error {
	if !b.IsTemplate() {
		return fmt.Errorf("add dependency: %w", ErrNotTemplate)
	}
	if d == nil || d.dependency == nil || !d.dependency.IsTemplate() {
		return fmt.Errorf("add dependency: target %w", ErrNotTemplate)
	}
	b.deps.Append(d)
	return nil
}

// retargetDependencies replaces the template's dependencies on the named
// effect with dependencies on targets and returns the replaced ones. The
// binder of the first replaced dependency carries over.
func (b *Base) retargetDependencies(name string, targets []Recall) []*RecallDependency {
	dropped := b.deps.RemoveFunc(func(d *RecallDependency) bool { return d.dependency.Name() == name })
	var bind BindFunc
	if len(dropped) > 0 {
		bind = dropped[0].bind
	}
	for _, t := range targets {
		b.deps.Append(NewRecallDependency(t, bind))
	}
	return dropped
}

// Dependencies returns the dependencies of the recall's template.
func (b *Base) Dependencies() []*RecallDependency {
	if t := b.Template(); t != nil {
		return t.base().deps.Snapshot()
	}
	return b.deps.Snapshot()
}

// Resolved returns the instance bound for d, or nil.
func (b *Base) Resolved(d *RecallDependency) Recall {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.resolved[d]
}

// ResolvedByName returns the first resolved dependency of the named effect.
func (b *Base) ResolvedByName(name string) Recall {
	for _, d := range b.Dependencies() {
		if d.dependency.Name() == name {
			if r := b.Resolved(d); r != nil {
				return r
			}
		}
	}
	return nil
}

func (b *Base) setResolved(d *RecallDependency, r Recall) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resolved == nil {
		b.resolved = make(map[*RecallDependency]Recall)
	}
	if r == nil {
		delete(b.resolved, d)
		return
	}
	b.resolved[d] = r
}

// ResolveDependency binds one dependency of consumer. A template-scope
// consumer resolves to the dependency template itself; any other consumer to
// the instance of that template sharing its recycling context.
func ResolveDependency(consumer Recall, d *RecallDependency) (Recall, error) {
	var resolved Recall
	if consumer.Flags()&FlagTemplateScope != 0 || consumer.IsTemplate() {
		resolved = d.dependency
	} else if c := d.dependency.Container(); c != nil {
		ctx := consumer.RecallID().Context()
		for _, r := range c.InstancesOf(d.dependency) {
			if id := r.RecallID(); id != nil && id.Context() == ctx && r.Flags()&FlagDisposed == 0 {
				resolved = r
				break
			}
		}
	}
	consumer.base().setResolved(d, resolved)
	if d.bind != nil {
		d.bind(consumer, resolved)
	}
	if resolved == nil {
		return nil, fmt.Errorf("%s %s depends on %s %s: %w",
			consumer.Kind(), consumer.Name(), d.dependency.Kind(), d.dependency.Name(), ErrUnresolvedDependency)
	}
	return resolved, nil
}

// ResolveDependencies binds every dependency of consumer. Unresolved
// dependencies are joined into the returned error and never stop the others.
func ResolveDependencies(consumer Recall) error {
	var errs []error
	for _, d := range consumer.base().Dependencies() {
		if _, err := ResolveDependency(consumer, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
