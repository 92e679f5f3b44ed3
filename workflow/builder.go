package workflow

import "time"

// Builder provides a fluent API for constructing workflow definitions.
type Builder struct {
	name    string
	version string
	steps   []Step
}

// NewBuilder creates a builder for the given workflow identity.
func NewBuilder(name, version string) *Builder {
	return &Builder{name: name, version: version}
}

// Step adds a step and returns a StepBuilder for configuration.
func (b *Builder) Step(id, capability string) *StepBuilder {
	b.steps = append(b.steps, Step{ID: id, Capability: capability})
	return &StepBuilder{parent: b, idx: len(b.steps) - 1}
}

// Build validates the accumulated steps and returns the immutable
// Definition.
func (b *Builder) Build() (*Definition, error) {
	return NewDefinition(b.name, b.version, b.steps)
}

// StepBuilder configures a single step within a Builder.
type StepBuilder struct {
	parent *Builder
	idx    int
}

// DependsOn declares upstream dependencies for the step.
func (sb *StepBuilder) DependsOn(ids ...string) *StepBuilder {
	s := &sb.parent.steps[sb.idx]
	s.DependsOn = append(s.DependsOn, ids...)
	return sb
}

// Optional marks the step as optional: its failure neither fails the
// run nor blocks unrelated dependents.
func (sb *StepBuilder) Optional() *StepBuilder {
	sb.parent.steps[sb.idx].Optional = true
	return sb
}

// WithRetry sets the step's retry policy.
func (sb *StepBuilder) WithRetry(policy RetryPolicy) *StepBuilder {
	sb.parent.steps[sb.idx].Retry = policy
	return sb
}

// WithInput sets the step's input mapping.
func (sb *StepBuilder) WithInput(mapping InputMapping) *StepBuilder {
	sb.parent.steps[sb.idx].Input = mapping
	return sb
}

// WithTimeout overrides the engine's default per-step timeout.
func (sb *StepBuilder) WithTimeout(timeout time.Duration) *StepBuilder {
	sb.parent.steps[sb.idx].Timeout = timeout
	return sb
}

// Done completes step configuration and returns to the Builder.
func (sb *StepBuilder) Done() *Builder {
	return sb.parent
}
