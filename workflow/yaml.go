package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// definitionFile is the serializable YAML shape of a workflow
// definition. Durations are human-readable strings ("30s", "1m").
type definitionFile struct {
	Name    string     `yaml:"name"`
	Version string     `yaml:"version"`
	Steps   []stepFile `yaml:"steps"`
}

type stepFile struct {
	ID         string       `yaml:"id"`
	Capability string       `yaml:"capability"`
	DependsOn  []string     `yaml:"depends_on"`
	Input      InputMapping `yaml:"input"`
	Retry      retryFile    `yaml:"retry"`
	Optional   bool         `yaml:"optional"`
	Timeout    string       `yaml:"timeout"`
}

type retryFile struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BackoffBase string `yaml:"backoff_base"`
	BackoffCap  string `yaml:"backoff_cap"`
}

// ParseDefinition parses and validates a YAML workflow definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse workflow yaml: %w", err)
	}
	if file.Name == "" {
		return nil, fmt.Errorf("workflow yaml: name is required")
	}
	if file.Version == "" {
		file.Version = "v1"
	}

	steps := make([]Step, 0, len(file.Steps))
	for _, sf := range file.Steps {
		step := Step{
			ID:         sf.ID,
			Capability: sf.Capability,
			DependsOn:  sf.DependsOn,
			Input:      sf.Input,
			Optional:   sf.Optional,
		}
		var err error
		if step.Timeout, err = parseDuration(sf.Timeout); err != nil {
			return nil, fmt.Errorf("step %s: timeout: %w", sf.ID, err)
		}
		step.Retry.MaxAttempts = sf.Retry.MaxAttempts
		if step.Retry.BackoffBase, err = parseDuration(sf.Retry.BackoffBase); err != nil {
			return nil, fmt.Errorf("step %s: backoff_base: %w", sf.ID, err)
		}
		if step.Retry.BackoffCap, err = parseDuration(sf.Retry.BackoffCap); err != nil {
			return nil, fmt.Errorf("step %s: backoff_cap: %w", sf.ID, err)
		}
		steps = append(steps, step)
	}

	return NewDefinition(file.Name, file.Version, steps)
}

// LoadDefinition reads and parses a workflow definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return ParseDefinition(data)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
