package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
)

// ErrConfigNotFound reports a missing target config file. The target is
// created by an earlier bootstrap step, so its absence is a fatal
// precondition rather than something to repair here.
var ErrConfigNotFound = errors.New("config file not found")

// ParseError reports unparseable JSON in the target config.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.Path, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Apply deep-merges fields into the JSON document at path and writes the
// result back atomically: serialize, write a temp file in the same
// directory, rename over the original. New keys are added, existing keys
// overwritten, unrelated keys preserved. Applying the same fields twice
// leaves the file byte-identical, since encoding/json serializes map
// keys in a stable order.
func Apply(path string, fields map[string]any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &ParseError{Path: path, Err: err}
	}

	if err := mergo.Merge(&doc, fields, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge fields into %s: %w", path, err)
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	out = append(out, '\n')
	return WriteAtomic(path, out)
}

// WriteAtomic writes data to path so that no reader ever observes a
// partially written file.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
