// Package task holds the task descriptor produced by the task loader.
// The executor consumes it verbatim; only selection of a concrete
// implementation happens here.
package task

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Input methods a task implementation may declare.
const (
	InputStdin       = "stdin"
	InputEnvironment = "environment"
	InputBoth        = "both"
)

type Implementation struct {
	Name         string   `yaml:"name" json:"name"`
	Requirements []string `yaml:"requirements,omitempty" json:"requirements,omitempty"`
	InputMethod  string   `yaml:"input_method,omitempty" json:"input_method,omitempty"`
	Files        []string `yaml:"files,omitempty" json:"files,omitempty"`
}

type Task struct {
	Name            string           `yaml:"name" json:"name"`
	Description     string           `yaml:"description,omitempty" json:"description,omitempty"`
	Parameters      map[string]any   `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	SupportsNoop    bool             `yaml:"supports_noop,omitempty" json:"supports_noop,omitempty"`
	Module          string           `yaml:"module,omitempty" json:"module,omitempty"`
	Files           []string         `yaml:"files,omitempty" json:"files,omitempty"`
	Implementations []Implementation `yaml:"implementations,omitempty" json:"implementations,omitempty"`
}

// Load reads a task descriptor from a YAML file.
func Load(path string) (*Task, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("task: failed to read %s: %w", path, err)
	}
	var t Task
	if err := yaml.Unmarshal(bytes, &t); err != nil {
		return nil, fmt.Errorf("task: failed to parse %s: %w", path, err)
	}
	if t.Name == "" {
		return nil, fmt.Errorf("task: %s has no name", path)
	}
	return &t, nil
}

// DisplayName is the human-readable label used in results and logs.
func (t *Task) DisplayName() string {
	if t.Description != "" {
		return fmt.Sprintf("%s (%s)", t.Name, t.Description)
	}
	return t.Name
}

// Executable picks the file to run on a target: the first file of the
// selected implementation, else the task's first file.
func (t *Task) Executable() (string, error) {
	impl := t.Implementation()
	if impl != nil && len(impl.Files) > 0 {
		return impl.Files[0], nil
	}
	if len(t.Files) > 0 {
		return t.Files[0], nil
	}
	return "", fmt.Errorf("task %s has no executable file", t.Name)
}

// Implementation returns the selected implementation, or nil when the task
// carries none. Requirements matching is the loader's job; the first entry
// is the resolved one.
func (t *Task) Implementation() *Implementation {
	if len(t.Implementations) == 0 {
		return nil
	}
	return &t.Implementations[0]
}

// InputMethod reports how parameters reach the task process. Defaults to
// both stdin and environment, as the original tooling does.
func (t *Task) InputMethod() string {
	if impl := t.Implementation(); impl != nil && impl.InputMethod != "" {
		return impl.InputMethod
	}
	return InputBoth
}
