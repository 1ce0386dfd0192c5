// Package store provides crash-safe position persistence using JSON files.
//
// Each open position is stored as a separate file: pos_<positionID>.json.
// Writes use atomic file replacement (write to .tmp, then rename) to prevent
// corruption from partial writes or crashes mid-save. The position manager
// calls Save after every state change and Delete once a position closes;
// LoadAll runs at startup so orphaned positions from a crash are at least
// visible in the logs.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"perp-breakout/pkg/types"
)

// Store persists positions to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string     // directory containing pos_*.json files
	mu  sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// Save atomically persists a position snapshot. It writes to a .tmp file
// first, then renames over the target so the file is never left in a
// partial state.
func (s *Store) Save(pos types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}

	path := s.path(pos.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write position: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load restores one position from disk. Returns nil, nil if no saved
// position exists under that ID.
func (s *Store) Load(id string) (*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(s.path(id))
}

// LoadAll returns every persisted position, in directory order.
func (s *Store) LoadAll() ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	var out []types.Position
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "pos_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		pos, err := s.load(filepath.Join(s.dir, name))
		if err != nil {
			return out, fmt.Errorf("load %s: %w", name, err)
		}
		if pos != nil {
			out = append(out, *pos)
		}
	}
	return out, nil
}

// Delete removes a position's file. Deleting a missing position is not an
// error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, "pos_"+id+".json")
}

func (s *Store) load(path string) (*types.Position, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read position: %w", err)
	}

	var pos types.Position
	if err := json.Unmarshal(data, &pos); err != nil {
		return nil, fmt.Errorf("unmarshal position: %w", err)
	}
	return &pos, nil
}
