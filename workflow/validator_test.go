package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func violationCodes(violations []Violation) map[ViolationCode]int {
	codes := make(map[ViolationCode]int)
	for _, v := range violations {
		codes[v.Code]++
	}
	return codes
}

func TestValidateSteps_Valid(t *testing.T) {
	t.Parallel()

	steps := []Step{
		{ID: "fetch", Capability: "http.fetch"},
		{ID: "extract", Capability: "pdf.extract", DependsOn: []string{"fetch"}},
		{ID: "summarize", Capability: "llm.summarize", DependsOn: []string{"extract"}},
	}
	assert.Empty(t, ValidateSteps(steps))
}

func TestValidateSteps_DuplicateID(t *testing.T) {
	t.Parallel()

	steps := []Step{
		{ID: "fetch", Capability: "http.fetch"},
		{ID: "fetch", Capability: "http.fetch"},
	}
	violations := ValidateSteps(steps)
	require.Len(t, violations, 1)
	assert.Equal(t, ViolationDuplicateID, violations[0].Code)
	assert.Equal(t, "fetch", violations[0].StepID)
}

func TestValidateSteps_UnknownDependency(t *testing.T) {
	t.Parallel()

	steps := []Step{
		{ID: "extract", Capability: "pdf.extract", DependsOn: []string{"missing"}},
	}
	violations := ValidateSteps(steps)
	require.Len(t, violations, 1)
	assert.Equal(t, ViolationUnknownDependency, violations[0].Code)
}

func TestValidateSteps_Cycle(t *testing.T) {
	t.Parallel()

	steps := []Step{
		{ID: "a", Capability: "cap.a", DependsOn: []string{"c"}},
		{ID: "b", Capability: "cap.b", DependsOn: []string{"a"}},
		{ID: "c", Capability: "cap.c", DependsOn: []string{"b"}},
	}
	violations := ValidateSteps(steps)
	require.NotEmpty(t, violations)
	assert.Contains(t, violationCodes(violations), ViolationCycle)
}

func TestValidateSteps_SelfDependency(t *testing.T) {
	t.Parallel()

	steps := []Step{
		{ID: "a", Capability: "cap.a", DependsOn: []string{"a"}},
	}
	violations := ValidateSteps(steps)
	require.NotEmpty(t, violations)
	assert.Equal(t, ViolationCycle, violations[0].Code)
	assert.Equal(t, "a", violations[0].StepID)
}

func TestValidateSteps_InvalidCapability(t *testing.T) {
	t.Parallel()

	for _, capability := range []string{"", "has space", "-leading", "bad/slash"} {
		steps := []Step{{ID: "s", Capability: capability}}
		violations := ValidateSteps(steps)
		require.NotEmpty(t, violations, "capability %q", capability)
		assert.Equal(t, ViolationInvalidCapability, violations[0].Code)
	}
}

func TestValidateSteps_InvalidMapping(t *testing.T) {
	t.Parallel()

	steps := []Step{
		{ID: "a", Capability: "cap.a"},
		{
			ID: "b", Capability: "cap.b", DependsOn: []string{"a"},
			Input: InputMapping{Source: SourceDependency, From: "zzz"},
		},
	}
	violations := ValidateSteps(steps)
	require.Len(t, violations, 1)
	assert.Equal(t, ViolationInvalidMapping, violations[0].Code)
}

// The validator must report every distinct problem, not just the first.
func TestValidateSteps_CollectsAllViolations(t *testing.T) {
	t.Parallel()

	steps := []Step{
		{ID: "a", Capability: ""},
		{ID: "a", Capability: "cap.a"},
		{ID: "b", Capability: "cap.b", DependsOn: []string{"ghost"}},
		{ID: "c", Capability: "cap.c", DependsOn: []string{"d"}},
		{ID: "d", Capability: "cap.d", DependsOn: []string{"c"}},
	}
	codes := violationCodes(ValidateSteps(steps))
	assert.Contains(t, codes, ViolationInvalidCapability)
	assert.Contains(t, codes, ViolationDuplicateID)
	assert.Contains(t, codes, ViolationUnknownDependency)
	assert.Contains(t, codes, ViolationCycle)
}

func TestValidateSteps_DanglingDepDoesNotPanicCycleCheck(t *testing.T) {
	t.Parallel()

	steps := []Step{
		{ID: "a", Capability: "cap.a", DependsOn: []string{"missing"}},
		{ID: "b", Capability: "cap.b", DependsOn: []string{"a"}},
	}
	codes := violationCodes(ValidateSteps(steps))
	assert.Contains(t, codes, ViolationUnknownDependency)
	assert.NotContains(t, codes, ViolationCycle)
}
