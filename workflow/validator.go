package workflow

import (
	"fmt"
	"regexp"
	"sort"
)

// ViolationCode classifies a single validation failure.
type ViolationCode string

const (
	// ViolationEmptyID flags a step with an empty identifier.
	ViolationEmptyID ViolationCode = "empty_id"
	// ViolationDuplicateID flags a step ID declared more than once.
	ViolationDuplicateID ViolationCode = "duplicate_id"
	// ViolationUnknownDependency flags a depends_on entry referencing a
	// step that does not exist.
	ViolationUnknownDependency ViolationCode = "unknown_dependency"
	// ViolationCycle flags a dependency cycle.
	ViolationCycle ViolationCode = "cycle"
	// ViolationInvalidCapability flags an empty or malformed capability
	// name. Registry existence is checked at dispatch time, not here.
	ViolationInvalidCapability ViolationCode = "invalid_capability"
	// ViolationInvalidMapping flags an input mapping that cannot be
	// evaluated against the step's dependencies.
	ViolationInvalidMapping ViolationCode = "invalid_mapping"
)

// Violation is one validation failure. Validation never fails fast: the
// validator collects every distinct violation so callers can fix a
// definition in one round trip.
type Violation struct {
	Code    ViolationCode
	StepID  string
	Message string
}

func (v Violation) String() string {
	if v.StepID == "" {
		return fmt.Sprintf("%s: %s", v.Code, v.Message)
	}
	return fmt.Sprintf("%s (step %s): %s", v.Code, v.StepID, v.Message)
}

// capabilityPattern accepts dotted lower-case names such as
// "pdf.extract" or "llm.summarize-v2".
var capabilityPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateSteps checks a candidate step list for structural problems:
// duplicate IDs, dangling dependency references, cycles, malformed
// capability names, and unevaluable input mappings. It has no side
// effects and returns all violations found, in a stable order.
func ValidateSteps(steps []Step) []Violation {
	var violations []Violation

	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			violations = append(violations, Violation{
				Code:    ViolationEmptyID,
				Message: "step has empty id",
			})
			continue
		}
		if seen[s.ID] {
			violations = append(violations, Violation{
				Code:    ViolationDuplicateID,
				StepID:  s.ID,
				Message: "step id declared more than once",
			})
			continue
		}
		seen[s.ID] = true
	}

	for _, s := range steps {
		if s.Capability == "" {
			violations = append(violations, Violation{
				Code:    ViolationInvalidCapability,
				StepID:  s.ID,
				Message: "capability is empty",
			})
		} else if !capabilityPattern.MatchString(s.Capability) {
			violations = append(violations, Violation{
				Code:    ViolationInvalidCapability,
				StepID:  s.ID,
				Message: fmt.Sprintf("capability %q is malformed", s.Capability),
			})
		}

		for _, dep := range s.DependsOn {
			if !seen[dep] {
				violations = append(violations, Violation{
					Code:    ViolationUnknownDependency,
					StepID:  s.ID,
					Message: fmt.Sprintf("depends_on references unknown step %q", dep),
				})
			}
		}

		if s.Input.Source == SourceDependency {
			found := false
			for _, dep := range s.DependsOn {
				if dep == s.Input.From {
					found = true
					break
				}
			}
			if !found {
				violations = append(violations, Violation{
					Code:    ViolationInvalidMapping,
					StepID:  s.ID,
					Message: fmt.Sprintf("input mapping from %q is not a declared dependency", s.Input.From),
				})
			}
		} else if s.Input.Source != SourceAuto && s.Input.Source != SourceInitial && s.Input.Source != SourceMerge {
			violations = append(violations, Violation{
				Code:    ViolationInvalidMapping,
				StepID:  s.ID,
				Message: fmt.Sprintf("unknown input mapping source %q", s.Input.Source),
			})
		}
	}

	violations = append(violations, detectCycles(steps)...)
	return violations
}

// detectCycles runs a DFS over the dependency edges with a recursion
// stack; a back-edge to a step currently on the stack signals a cycle.
// Each step involved in a back-edge is reported once.
func detectCycles(steps []Step) []Violation {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			continue
		}
		deps[s.ID] = s.DependsOn
	}

	visited := make(map[string]bool, len(deps))
	onStack := make(map[string]bool, len(deps))
	inCycle := make(map[string]bool)

	var visit func(id string)
	visit = func(id string) {
		visited[id] = true
		onStack[id] = true
		for _, dep := range deps[id] {
			if _, exists := deps[dep]; !exists {
				continue // dangling reference, reported separately
			}
			if onStack[dep] {
				inCycle[dep] = true
				continue
			}
			if !visited[dep] {
				visit(dep)
			}
		}
		onStack[id] = false
	}

	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !visited[id] {
			visit(id)
		}
	}

	var violations []Violation
	cycleIDs := make([]string, 0, len(inCycle))
	for id := range inCycle {
		cycleIDs = append(cycleIDs, id)
	}
	sort.Strings(cycleIDs)
	for _, id := range cycleIDs {
		violations = append(violations, Violation{
			Code:    ViolationCycle,
			StepID:  id,
			Message: "dependency cycle detected involving this step",
		})
	}
	return violations
}
