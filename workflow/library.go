package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Library holds loaded workflow definitions keyed by identity
// (name@version). Definitions are immutable; the library only grows or
// replaces whole entries, so concurrent readers are safe.
type Library struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewLibrary creates an empty definition library.
func NewLibrary() *Library {
	return &Library{defs: make(map[string]*Definition)}
}

// Add registers a definition, replacing any previous definition with
// the same identity.
func (l *Library) Add(def *Definition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defs[def.Identity()] = def
}

// Get returns the definition for the given name and version.
func (l *Library) Get(name, version string) (*Definition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.defs[name+"@"+version]
	return def, ok
}

// Latest returns the definition with the highest version string for a
// workflow name.
func (l *Library) Latest(name string) (*Definition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var best *Definition
	for _, def := range l.defs {
		if def.Name() != name {
			continue
		}
		if best == nil || def.Version() > best.Version() {
			best = def
		}
	}
	return best, best != nil
}

// List returns all definitions sorted by identity.
func (l *Library) List() []*Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Definition, 0, len(l.defs))
	for _, def := range l.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity() < out[j].Identity() })
	return out
}

// Len returns the number of loaded definitions.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.defs)
}

// LoadDir loads every *.yaml / *.yml file in dir as a workflow
// definition. It stops at the first invalid file so a bad definition is
// never partially accepted.
func (l *Library) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read workflow dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := LoadDefinition(filepath.Join(dir, entry.Name()))
		if err != nil {
			return loaded, fmt.Errorf("load %s: %w", entry.Name(), err)
		}
		l.Add(def)
		loaded++
	}
	return loaded, nil
}
