package workflow

import (
	"strings"
	"time"

	"github.com/mkarlic/stepflow/types"
)

// Step is one unit of declared work within a workflow definition.
type Step struct {
	// ID is the step identifier, unique within the workflow.
	ID string `yaml:"id" json:"id"`
	// Capability names the agent resolved at dispatch time.
	Capability string `yaml:"capability" json:"capability"`
	// DependsOn lists upstream step IDs that must finish first.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	// Input derives this step's input from upstream outputs and the
	// run's initial input.
	Input InputMapping `yaml:"input,omitempty" json:"input,omitempty"`
	// Retry bounds re-dispatch after failures.
	Retry RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
	// Optional steps may fail without failing the run or blocking
	// dependents that do not need their output.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`
	// Timeout overrides the engine's default per-step timeout.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Definition is an immutable, validated workflow: a set of named steps
// forming a dependency DAG. Built once per workflow source and shared
// read-only across all runs.
type Definition struct {
	name    string
	version string
	steps   []Step

	index      map[string]int
	dependents map[string][]string
}

// NewDefinition validates the steps and constructs an immutable
// Definition. All violations are collected; on any violation the
// returned error carries code types.ErrDefinitionInvalid and lists
// every problem found.
func NewDefinition(name, version string, steps []Step) (*Definition, error) {
	if violations := ValidateSteps(steps); len(violations) > 0 {
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.String()
		}
		return nil, types.NewErrorf(types.ErrDefinitionInvalid,
			"workflow %s@%s invalid: %s", name, version, strings.Join(msgs, "; "))
	}

	def := &Definition{
		name:       name,
		version:    version,
		steps:      make([]Step, len(steps)),
		index:      make(map[string]int, len(steps)),
		dependents: make(map[string][]string),
	}
	for i, s := range steps {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		s.Retry = s.Retry.Normalized()
		def.steps[i] = s
		def.index[s.ID] = i
	}
	for _, s := range def.steps {
		for _, dep := range s.DependsOn {
			def.dependents[dep] = append(def.dependents[dep], s.ID)
		}
	}
	return def, nil
}

// Name returns the workflow name.
func (d *Definition) Name() string { return d.name }

// Version returns the workflow version.
func (d *Definition) Version() string { return d.version }

// Identity returns the logical run-conflict key, "name@version".
func (d *Definition) Identity() string { return d.name + "@" + d.version }

// Steps returns a copy of the steps in declared order.
func (d *Definition) Steps() []Step {
	out := make([]Step, len(d.steps))
	copy(out, d.steps)
	return out
}

// StepIDs returns all step IDs in declared order.
func (d *Definition) StepIDs() []string {
	out := make([]string, len(d.steps))
	for i, s := range d.steps {
		out[i] = s.ID
	}
	return out
}

// Step returns the step with the given ID.
func (d *Definition) Step(id string) (Step, bool) {
	i, ok := d.index[id]
	if !ok {
		return Step{}, false
	}
	return d.steps[i], true
}

// Len returns the number of steps.
func (d *Definition) Len() int { return len(d.steps) }

// Dependents returns the IDs of steps that directly depend on the
// given step.
func (d *Definition) Dependents(id string) []string {
	return append([]string(nil), d.dependents[id]...)
}

// TransitiveDependents returns the IDs of every step that directly or
// indirectly depends on the given step.
func (d *Definition) TransitiveDependents(id string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), d.dependents[id]...)
	var out []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, d.dependents[next]...)
	}
	return out
}
