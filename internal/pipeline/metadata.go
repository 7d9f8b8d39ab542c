package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"microdata/internal/coverage"
	"microdata/internal/dataset"
)

// UpdateMetadata merges s into the metadata document at in and writes the
// result to out. An empty in starts from an empty document. out is replaced
// atomically.
func UpdateMetadata(in, out string, temporality dataset.Temporality, s coverage.Summary) error {
	meta := map[string]any{}
	if in != "" {
		b, err := os.ReadFile(in)
		if err != nil {
			return fmt.Errorf("read metadata: %w", err)
		}
		if err := json.Unmarshal(b, &meta); err != nil {
			return fmt.Errorf("decode metadata %s: %w", in, err)
		}
		if meta == nil {
			return errors.New("decode metadata: document is null")
		}
	}
	if err := coverage.MergeIntoMetadata(meta, temporality, s); err != nil {
		return err
	}

	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	b = append(b, '\n')

	if dir := filepath.Dir(out); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create metadata dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(out), ".metadata-*.json")
	if err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write metadata: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}
