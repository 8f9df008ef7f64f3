package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// FormatVersion is the current on-disk layout version
const FormatVersion = 1

// JSONStorage keeps the open position ids in memory and rewrites the whole
// file atomically (temp file + rename) after every mutation.
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *StorageData
}

// StorageData is the persisted document
type StorageData struct {
	Version   int     `json:"version"`
	Positions []int64 `json:"positions"`
}

// NewJSONStorage loads the store at path. A missing file is created empty
// so the on-disk state exists before the first fill.
func NewJSONStorage(path string) (*JSONStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("storage path is empty")
	}
	s := &JSONStorage{
		filepath: path,
		data:     &StorageData{Version: FormatVersion, Positions: []int64{}},
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
		return s, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat storage: %w", err)
	}

	if err := s.Save(); err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	return s, nil
}

// Load replaces the in-memory set with the file contents.
// A bare JSON array of ids is accepted and rewritten in the current format.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath) // #nosec G304 -- path comes from operator config
	if err != nil {
		return err
	}

	data, err := decode(raw)
	if err != nil {
		return err
	}
	s.data = data

	canonical, err := encode(s.data)
	if err != nil {
		return err
	}
	if !bytes.Equal(raw, canonical) {
		return s.writeLocked(canonical)
	}
	return nil
}

// Save flushes the in-memory set to disk
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// Contains reports whether tickerID is tracked
func (s *JSONStorage) Contains(tickerID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.data.Positions, tickerID)
}

// Last returns the most recently added id
func (s *JSONStorage) Last() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.data.Positions) == 0 {
		return 0, false
	}
	return s.data.Positions[len(s.data.Positions)-1], true
}

// List returns a copy of the tracked ids in insertion order
func (s *JSONStorage) List() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.data.Positions)
}

// Add appends tickerID if absent
func (s *JSONStorage) Add(tickerID int64) error {
	if tickerID <= 0 {
		return ErrInvalidTickerID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.data.Positions, tickerID) {
		return nil
	}
	return s.mutateLocked(append(slices.Clone(s.data.Positions), tickerID))
}

// Remove drops tickerID if present
func (s *JSONStorage) Remove(tickerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.Index(s.data.Positions, tickerID)
	if idx < 0 {
		return nil
	}
	return s.mutateLocked(slices.Delete(slices.Clone(s.data.Positions), idx, idx+1))
}

// Toggle adds tickerID when absent and removes it when present.
// Membership alone decides the direction.
func (s *JSONStorage) Toggle(tickerID int64) (bool, error) {
	if tickerID <= 0 {
		return false, ErrInvalidTickerID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.Index(s.data.Positions, tickerID)
	if idx < 0 {
		return true, s.mutateLocked(append(slices.Clone(s.data.Positions), tickerID))
	}
	return false, s.mutateLocked(slices.Delete(slices.Clone(s.data.Positions), idx, idx+1))
}

// mutateLocked persists next and only then makes it the in-memory state
func (s *JSONStorage) mutateLocked(next []int64) error {
	prev := s.data.Positions
	s.data.Positions = next
	if err := s.saveLocked(); err != nil {
		s.data.Positions = prev
		return err
	}
	return nil
}

func (s *JSONStorage) saveLocked() error {
	raw, err := encode(s.data)
	if err != nil {
		return err
	}
	return s.writeLocked(raw)
}

func (s *JSONStorage) writeLocked(raw []byte) error {
	dir := filepath.Dir(s.filepath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create storage directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.filepath)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// Atomic rename
	return os.Rename(tmpName, s.filepath)
}

func encode(data *StorageData) ([]byte, error) {
	positions := data.Positions
	if positions == nil {
		positions = []int64{}
	}
	raw, err := json.MarshalIndent(StorageData{Version: FormatVersion, Positions: positions}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}

func decode(raw []byte) (*StorageData, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return &StorageData{Version: FormatVersion, Positions: []int64{}}, nil
	}

	var ids []int64
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &ids); err != nil {
			return nil, fmt.Errorf("parsing legacy position list: %w", err)
		}
	} else {
		var doc StorageData
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("parsing position store: %w", err)
		}
		if doc.Version > FormatVersion {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.Version)
		}
		ids = doc.Positions
	}

	// Keep first occurrence so the set invariant holds for hand-edited files
	seen := make(map[int64]struct{}, len(ids))
	positions := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		positions = append(positions, id)
	}
	return &StorageData{Version: FormatVersion, Positions: positions}, nil
}
