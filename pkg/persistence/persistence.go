// Package persistence writes serialized result sets to disk as JSON.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opsforge/fleetexec/pkg/result"
)

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

type FileWriter struct {
	Overwrite bool
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) && !w.Overwrite {
		return os.ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

// WriteResults persists a result set's canonical form to filename. The set
// goes through ToData, so the written document never contains cycles or
// unserializable nodes.
func WriteResults(set *result.Set, filename string, serializer Serializer, writer Writer) error {
	data, err := set.ToData()
	if err != nil {
		return fmt.Errorf("failed to serialize results: %w", err)
	}

	bytes, err := serializer.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	if err := writer.Write(filename, bytes); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}
