package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"relayscope/internal/models"
)

// ReportStorage keeps the most recent health-check report on disk.
type ReportStorage struct {
	mu     sync.RWMutex
	path   string
	latest *models.HealthReport
}

// NewReportStorage initialises storage and loads the previous report if present.
func NewReportStorage(path string) (*ReportStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data directory: %w", err)
	}
	store := &ReportStorage{path: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// Latest returns the last stored report.
func (s *ReportStorage) Latest() (models.HealthReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.latest == nil {
		return models.HealthReport{}, false
	}
	return *s.latest, true
}

// Replace overwrites the stored report.
func (s *ReportStorage) Replace(report models.HealthReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = &report
	return writeJSONAtomic(s.path, report, "health report")
}

func (s *ReportStorage) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read health report: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var report models.HealthReport
	if err := json.Unmarshal(data, &report); err != nil {
		return fmt.Errorf("parse health report: %w", err)
	}
	s.latest = &report
	return nil
}
