package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlic/stepflow/types"
)

func TestNewDefinition_Accessors(t *testing.T) {
	t.Parallel()

	def, err := NewDefinition("ingest", "v1", []Step{
		{ID: "fetch", Capability: "http.fetch"},
		{ID: "extract", Capability: "pdf.extract", DependsOn: []string{"fetch"}},
		{ID: "summarize", Capability: "llm.summarize", DependsOn: []string{"extract"}},
		{ID: "notify", Capability: "mail.send", DependsOn: []string{"extract"}, Optional: true},
	})
	require.NoError(t, err)

	assert.Equal(t, "ingest", def.Name())
	assert.Equal(t, "v1", def.Version())
	assert.Equal(t, "ingest@v1", def.Identity())
	assert.Equal(t, 4, def.Len())
	assert.Equal(t, []string{"fetch", "extract", "summarize", "notify"}, def.StepIDs())

	step, ok := def.Step("extract")
	require.True(t, ok)
	assert.Equal(t, "pdf.extract", step.Capability)
	// Unconfigured retry normalizes to a single attempt.
	assert.Equal(t, 1, step.Retry.MaxAttempts)

	_, ok = def.Step("ghost")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"summarize", "notify"}, def.Dependents("extract"))
	assert.ElementsMatch(t, []string{"extract", "summarize", "notify"}, def.TransitiveDependents("fetch"))
	assert.Empty(t, def.TransitiveDependents("notify"))
}

func TestNewDefinition_InvalidSurfacesAllViolations(t *testing.T) {
	t.Parallel()

	_, err := NewDefinition("bad", "v1", []Step{
		{ID: "a", Capability: ""},
		{ID: "b", Capability: "cap.b", DependsOn: []string{"ghost"}},
	})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDefinitionInvalid))
	assert.Contains(t, err.Error(), "invalid_capability")
	assert.Contains(t, err.Error(), "unknown_dependency")
}

func TestBuilder_Build(t *testing.T) {
	t.Parallel()

	def, err := NewBuilder("ingest", "v2").
		Step("fetch", "http.fetch").
		WithRetry(RetryPolicy{MaxAttempts: 5, BackoffBase: 100 * time.Millisecond, BackoffCap: time.Second}).
		Done().
		Step("extract", "pdf.extract").
		DependsOn("fetch").
		WithTimeout(30*time.Second).
		Done().
		Step("notify", "mail.send").
		DependsOn("extract").
		Optional().
		Done().
		Build()
	require.NoError(t, err)

	fetch, _ := def.Step("fetch")
	assert.Equal(t, 5, fetch.Retry.MaxAttempts)

	extract, _ := def.Step("extract")
	assert.Equal(t, 30*time.Second, extract.Timeout)

	notify, _ := def.Step("notify")
	assert.True(t, notify.Optional)
}

func TestBuilder_BuildInvalid(t *testing.T) {
	t.Parallel()

	_, err := NewBuilder("bad", "v1").
		Step("a", "cap.a").DependsOn("b").Done().
		Step("b", "cap.b").DependsOn("a").Done().
		Build()
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDefinitionInvalid))
}

func TestParseDefinition_YAML(t *testing.T) {
	t.Parallel()

	data := []byte(`
name: ingest
version: v3
steps:
  - id: fetch
    capability: http.fetch
    retry:
      max_attempts: 4
      backoff_base: 500ms
      backoff_cap: 10s
    timeout: 45s
  - id: extract
    capability: pdf.extract
    depends_on: [fetch]
    input:
      source: dependency
      from: fetch
  - id: notify
    capability: mail.send
    depends_on: [extract]
    optional: true
`)
	def, err := ParseDefinition(data)
	require.NoError(t, err)
	assert.Equal(t, "ingest@v3", def.Identity())

	fetch, _ := def.Step("fetch")
	assert.Equal(t, 4, fetch.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, fetch.Retry.BackoffBase)
	assert.Equal(t, 45*time.Second, fetch.Timeout)

	extract, _ := def.Step("extract")
	assert.Equal(t, SourceDependency, extract.Input.Source)
	assert.Equal(t, "fetch", extract.Input.From)

	notify, _ := def.Step("notify")
	assert.True(t, notify.Optional)
}

func TestParseDefinition_Errors(t *testing.T) {
	t.Parallel()

	_, err := ParseDefinition([]byte("steps: []"))
	assert.ErrorContains(t, err, "name is required")

	_, err = ParseDefinition([]byte("name: x\nsteps:\n  - id: a\n    capability: cap.a\n    timeout: nonsense\n"))
	assert.ErrorContains(t, err, "timeout")
}

func TestLibrary_LoadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := `
name: ingest
version: v1
steps:
  - id: fetch
    capability: http.fetch
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ingest.yaml"), []byte(good), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	lib := NewLibrary()
	n, err := lib.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, lib.Len())

	def, ok := lib.Get("ingest", "v1")
	require.True(t, ok)
	assert.Equal(t, "ingest@v1", def.Identity())

	require.Len(t, lib.List(), 1)

	// A bad file aborts loading.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: bad\nsteps:\n  - id: a\n    capability: ''\n"), 0o644))
	_, err = lib.LoadDir(dir)
	assert.Error(t, err)
}
