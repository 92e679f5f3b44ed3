package workflow

import "fmt"

// MappingSource selects how a step's input is derived at dispatch time.
type MappingSource string

const (
	// SourceAuto derives the input from the step's shape: the run's
	// initial input when the step has no dependencies, the single
	// dependency's output when it has exactly one, and a merged map
	// otherwise. This is the zero value.
	SourceAuto MappingSource = ""
	// SourceInitial always passes the run's initial input.
	SourceInitial MappingSource = "initial"
	// SourceDependency passes the output of one named dependency.
	SourceDependency MappingSource = "dependency"
	// SourceMerge passes a map keyed by dependency ID plus "initial".
	SourceMerge MappingSource = "merge"
)

// InputMapping is the rule for assembling a step's input from the
// outputs of its dependencies and the run's initial input. Outputs of
// optional dependencies that were skipped are simply absent.
type InputMapping struct {
	Source MappingSource `yaml:"source,omitempty" json:"source,omitempty"`
	// From names the dependency whose output is used when Source is
	// SourceDependency.
	From string `yaml:"from,omitempty" json:"from,omitempty"`
}

// Resolve evaluates the mapping for the given step. outputs holds the
// outputs of the step's terminal dependencies keyed by step ID; skipped
// optional dependencies have no entry and resolve to nil.
func (m InputMapping) Resolve(step Step, initial any, outputs map[string]any) (any, error) {
	switch m.Source {
	case SourceInitial:
		return initial, nil
	case SourceDependency:
		if m.From == "" {
			return nil, fmt.Errorf("step %s: input mapping source %q requires from", step.ID, SourceDependency)
		}
		return outputs[m.From], nil
	case SourceMerge:
		return m.merged(step, initial, outputs), nil
	case SourceAuto:
		switch len(step.DependsOn) {
		case 0:
			return initial, nil
		case 1:
			return outputs[step.DependsOn[0]], nil
		default:
			return m.merged(step, initial, outputs), nil
		}
	default:
		return nil, fmt.Errorf("step %s: unknown input mapping source %q", step.ID, m.Source)
	}
}

func (m InputMapping) merged(step Step, initial any, outputs map[string]any) map[string]any {
	merged := map[string]any{"initial": initial}
	for _, dep := range step.DependsOn {
		if out, ok := outputs[dep]; ok {
			merged[dep] = out
		}
	}
	return merged
}
