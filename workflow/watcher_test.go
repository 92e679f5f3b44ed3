package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const watcherYAML = `
name: ingest
version: "1.0.0"
steps:
  - id: fetch
    capability: doc.fetch
`

const watcherYAMLv2 = `
name: ingest
version: "1.0.0"
steps:
  - id: fetch
    capability: doc.fetch
  - id: extract
    capability: doc.extract
    depends_on:
      - fetch
`

func writeDefFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDirWatcher_PicksUpNewFile(t *testing.T) {
	dir := t.TempDir()
	lib := NewLibrary()

	w := NewDirWatcher(dir, lib, WithPollInterval(10*time.Millisecond))
	w.Start(context.Background())
	defer w.Stop()

	writeDefFile(t, dir, "ingest.yaml", watcherYAML)

	waitFor(t, 2*time.Second, func() bool {
		_, ok := lib.Get("ingest", "1.0.0")
		return ok
	})
}

func TestDirWatcher_ReloadsChangedFile(t *testing.T) {
	dir := t.TempDir()
	lib := NewLibrary()
	path := writeDefFile(t, dir, "ingest.yaml", watcherYAML)

	n, err := lib.LoadDir(dir)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var reloaded []*Definition
	w := NewDirWatcher(dir, lib,
		WithPollInterval(10*time.Millisecond),
		WithReloadCallback(func(def *Definition) { reloaded = append(reloaded, def) }),
	)
	w.Start(context.Background())
	defer w.Stop()

	// Force the mod time forward so coarse filesystem clocks still
	// register the edit.
	require.NoError(t, os.WriteFile(path, []byte(watcherYAMLv2), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	waitFor(t, 2*time.Second, func() bool {
		def, ok := lib.Get("ingest", "1.0.0")
		return ok && len(def.Steps()) == 2
	})
	assert.NotEmpty(t, reloaded)
}

func TestDirWatcher_KeepsLastGoodOnBrokenEdit(t *testing.T) {
	dir := t.TempDir()
	lib := NewLibrary()
	path := writeDefFile(t, dir, "ingest.yaml", watcherYAML)

	_, err := lib.LoadDir(dir)
	require.NoError(t, err)

	w := NewDirWatcher(dir, lib, WithPollInterval(10*time.Millisecond))
	w.Start(context.Background())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("steps: [broken"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	// Give the watcher a few polls, then confirm the good definition
	// is still served.
	time.Sleep(100 * time.Millisecond)
	def, ok := lib.Get("ingest", "1.0.0")
	require.True(t, ok)
	assert.Len(t, def.Steps(), 1)
}

func TestDirWatcher_StopIsIdempotent(t *testing.T) {
	w := NewDirWatcher(t.TempDir(), NewLibrary())
	w.Start(context.Background())
	assert.True(t, w.IsRunning())
	w.Stop()
	w.Stop()
	assert.False(t, w.IsRunning())
}
