package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

func write(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

func read(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

func WriteBackupRun(path string, r *BackupRun) error {
	return write(path, r)
}

func ReadBackupRun(path string) (*BackupRun, error) {
	var r BackupRun
	if err := read(path, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func WritePreseedRun(path string, r *PreseedRun) error {
	return write(path, r)
}

func ReadPreseedRun(path string) (*PreseedRun, error) {
	var r PreseedRun
	if err := read(path, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func WriteLastRun(path string, r *LastRun) error {
	return write(path, r)
}

// ReadLastRun returns nil without error when no run has succeeded yet.
func ReadLastRun(path string) (*LastRun, error) {
	var r LastRun
	if err := read(path, &r); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}
