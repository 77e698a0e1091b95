package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"relayscope/internal/models"
)

// HealthStorage persists the latest HealthRecord of every node to disk.
// Only the newest record per node is kept.
type HealthStorage struct {
	mu      sync.RWMutex
	path    string
	records map[string]models.HealthRecord
}

// NewHealthStorage creates a storage instance and loads existing records if present.
func NewHealthStorage(path string) (*HealthStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data directory: %w", err)
	}

	s := &HealthStorage{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Records returns the stored records sorted by node ID.
func (s *HealthStorage) Records() []models.HealthRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.HealthRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Save merges records into the store and persists the result. Records of
// nodes not mentioned are kept.
func (s *HealthStorage) Save(records []models.HealthRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if rec.NodeID == "" {
			continue
		}
		s.records[rec.NodeID] = rec
	}
	return s.persistLocked()
}

func (s *HealthStorage) load() error {
	s.records = make(map[string]models.HealthRecord)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read health records: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var entries []models.HealthRecord
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse health records: %w", err)
	}
	for _, rec := range entries {
		s.records[rec.NodeID] = rec
	}
	return nil
}

func (s *HealthStorage) persistLocked() error {
	entries := make([]models.HealthRecord, 0, len(s.records))
	for _, rec := range s.records {
		entries = append(entries, rec)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].NodeID < entries[j].NodeID })

	return writeJSONAtomic(s.path, entries, "health records")
}

func writeJSONAtomic(path string, v any, what string) error {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", what, err)
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, bytes, 0o644); err != nil {
		return fmt.Errorf("write temp %s: %w", what, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace %s file: %w", what, err)
	}
	return nil
}
