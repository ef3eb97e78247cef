// Package store provides crash-safe state persistence using a JSON file.
//
// The whole system snapshot lives in one file. Writes use atomic file
// replacement (write to .tmp, then rename) to prevent corruption from
// partial writes or crashes mid-save. The engine calls Save after every
// state-mutating branch, and Load on startup; a missing file means a
// fresh start.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gridserver/internal/state"
)

// Store persists the system snapshot to a JSON file.
type Store struct {
	path string
}

// Open creates a store backed by the given file path, creating the parent
// directory if needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &Store{path: path}, nil
}

// Save atomically persists the snapshot. It writes to a .tmp file first,
// then renames over the target so the file is never left in a partial state.
func (s *Store) Save(sys *state.System) error {
	data, err := json.MarshalIndent(sys, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Load restores the snapshot from disk.
// Returns nil, nil if no saved state exists (fresh start).
func (s *Store) Load() (*state.System, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var sys state.System
	if err := json.Unmarshal(data, &sys); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &sys, nil
}
