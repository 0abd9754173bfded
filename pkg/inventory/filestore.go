package inventory

import (
	"fmt"
	"log"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var _ Store = (*YAMLFileStore)(nil)

// YAMLFileStore keeps the inventory in a YAML file.
type YAMLFileStore struct {
	Path string
}

func NewFileStore(path string) *YAMLFileStore {
	return &YAMLFileStore{Path: path}
}

func (f *YAMLFileStore) Load(out any) error {
	if out == nil {
		return fmt.Errorf("Load: output parameter must not be nil")
	}

	bytes, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("Load: failed to read file %s: %w", f.Path, err)
	}
	if len(bytes) == 0 {
		return fmt.Errorf("Load: inventory file %s is empty", f.Path)
	}
	if err := yaml.Unmarshal(bytes, out); err != nil {
		return fmt.Errorf("Load: failed to parse YAML in %s: %w", f.Path, err)
	}
	return nil
}

func (f *YAMLFileStore) Save(in any) error {
	if in == nil {
		return fmt.Errorf("Save: input parameter must not be nil")
	}

	bytes, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("Save: failed to marshal YAML: %w", err)
	}

	// Write to temp file first, then rename for an atomic replace.
	tmpPath := f.Path + ".tmp"
	if err := os.WriteFile(tmpPath, bytes, 0600); err != nil {
		return fmt.Errorf("Save: failed to write temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, f.Path); err != nil {
		return fmt.Errorf("Save: failed to replace %s with %s: %w", f.Path, tmpPath, err)
	}
	return nil
}

// Watch invokes onChange whenever the inventory file is rewritten.
func (f *YAMLFileStore) Watch(onChange func()) error {
	if onChange == nil {
		return fmt.Errorf("onChange callback cannot be nil")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(f.Path); err != nil {
		return fmt.Errorf("failed to watch file %s: %w", f.Path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write != 0 {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("Watcher error on %s: %v", f.Path, err)
			}
		}
	}()

	return nil
}
