// Package atomicfile provides crash-safe file writes and quarantine of corrupt files.
package atomicfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// Validator checks content read back from the temp file before it replaces the target.
type Validator func([]byte) error

func ValidateJSON(content []byte) error {
	var v any
	return json.Unmarshal(content, &v)
}

func ValidateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

// WriteYAML marshals data as YAML and writes it atomically.
func WriteYAML(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return Write(path, content, ValidateYAML)
}

// WriteJSON marshals data as JSON and writes it atomically.
func WriteJSON(path string, data any) error {
	content, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return Write(path, content, ValidateJSON)
}

// Write replaces path with content via temp file, fsync, validation, and rename.
// Readers never observe a partially written file.
func Write(path string, content []byte, validate Validator) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	// Step 1: Create temp file and write content
	tmp, err := os.CreateTemp(dir, ".tempvoice-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		// Clean up temp file on any failure
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// Step 2: Validate written content by re-reading temp file
	if validate != nil {
		written, err := os.ReadFile(tmpName)
		if err != nil {
			return fmt.Errorf("read temp file for validation: %w", err)
		}
		if err := validate(written); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}

	// Step 3: Atomic rename
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
