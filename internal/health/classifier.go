// Package health turns successive probe outcomes into a stable per-node state.
//
// The state machine is deliberately sticky: one failure only makes a node
// suspect, a second consecutive one takes it offline, and an offline node has
// to pass through suspect again before it is trusted as online.
package health

import (
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"relayscope/internal/models"
)

// Next returns the state that follows current after one probe outcome.
func Next(current models.HealthStatus, success bool) models.HealthStatus {
	switch current {
	case models.StatusOnline:
		if success {
			return models.StatusOnline
		}
		return models.StatusSuspect
	case models.StatusSuspect:
		if success {
			return models.StatusOnline
		}
		return models.StatusOffline
	case models.StatusOffline:
		if success {
			return models.StatusSuspect
		}
		return models.StatusOffline
	default:
		if success {
			return models.StatusOnline
		}
		return models.StatusSuspect
	}
}

// TransitionObserver is notified whenever a node changes state.
type TransitionObserver interface {
	Transition(nodeID string, from, to models.HealthStatus)
}

// Options configures a Classifier.
type Options struct {
	// InitialStatus is reported for nodes that were never probed.
	// Only unknown and online are accepted; unknown is the default.
	InitialStatus models.HealthStatus
	Clock         clock.Clock
	Logger        *zap.Logger
	Observer      TransitionObserver
}

type entry struct {
	mu  sync.Mutex
	rec models.HealthRecord
}

// Classifier owns every HealthRecord. Records of different nodes are updated
// independently; updates of the same node are serialised.
type Classifier struct {
	initial  models.HealthStatus
	clock    clock.Clock
	logger   *zap.Logger
	observer TransitionObserver

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewClassifier validates opts and returns an empty classifier.
func NewClassifier(opts Options) (*Classifier, error) {
	initial := opts.InitialStatus
	if initial == "" {
		initial = models.StatusUnknown
	}
	if initial != models.StatusUnknown && initial != models.StatusOnline {
		return nil, fmt.Errorf("initial status must be %q or %q, got %q", models.StatusUnknown, models.StatusOnline, initial)
	}
	c := &Classifier{
		initial:  initial,
		clock:    opts.Clock,
		logger:   opts.Logger,
		observer: opts.Observer,
		entries:  make(map[string]*entry),
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c, nil
}

// InitialStatus is the state reported for never-probed nodes.
func (c *Classifier) InitialStatus() models.HealthStatus {
	return c.initial
}

func (c *Classifier) entryFor(id string) *entry {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[id]; ok {
		return e
	}
	e = &entry{rec: models.HealthRecord{NodeID: id, Status: c.initial}}
	c.entries[id] = e
	return e
}

// Observe folds one scored outcome into the node's record and returns the result.
func (c *Classifier) Observe(outcome models.ScoredOutcome) models.HealthRecord {
	e := c.entryFor(outcome.ID)

	e.mu.Lock()
	prev := e.rec.Status
	rec := e.rec
	rec.Status = Next(prev, outcome.Success)
	rec.LastHealthCheck = c.clock.Now().UTC()
	rec.LastScore = outcome.Score
	if outcome.Success {
		latency := outcome.LatencyMs
		rec.HealthLatency = &latency
		rec.ConsecutiveFailures = 0
		rec.LastError = ""
	} else {
		rec.ConsecutiveFailures++
		rec.LastError = outcome.Error
	}
	e.rec = rec
	e.mu.Unlock()

	if prev != rec.Status {
		c.logger.Debug("health transition",
			zap.String("node", rec.NodeID),
			zap.String("from", string(prev)),
			zap.String("to", string(rec.Status)),
			zap.Int("consecutive_failures", rec.ConsecutiveFailures),
		)
		if c.observer != nil {
			c.observer.Transition(rec.NodeID, prev, rec.Status)
		}
	}
	return rec
}

// ObserveBatch applies outcomes in order and returns the updated records.
func (c *Classifier) ObserveBatch(outcomes []models.ScoredOutcome) []models.HealthRecord {
	records := make([]models.HealthRecord, len(outcomes))
	for i, o := range outcomes {
		records[i] = c.Observe(o)
	}
	return records
}

// Record returns the current record for id. ok is false when the node was never probed.
func (c *Classifier) Record(id string) (models.HealthRecord, bool) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return models.HealthRecord{NodeID: id, Status: c.initial}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// Snapshot copies every record, sorted by node ID.
func (c *Classifier) Snapshot() []models.HealthRecord {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	out := make([]models.HealthRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Lookup returns the snapshot as a map keyed by node ID.
func (c *Classifier) Lookup() map[string]models.HealthRecord {
	snap := c.Snapshot()
	out := make(map[string]models.HealthRecord, len(snap))
	for _, rec := range snap {
		out[rec.NodeID] = rec
	}
	return out
}

// Restore seeds records loaded from storage. Records with an empty ID or an
// unknown status are skipped; existing records are overwritten.
func (c *Classifier) Restore(records []models.HealthRecord) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	restored := 0
	for _, rec := range records {
		if rec.NodeID == "" || !rec.Status.Valid() {
			continue
		}
		if e, ok := c.entries[rec.NodeID]; ok {
			e.mu.Lock()
			e.rec = rec
			e.mu.Unlock()
		} else {
			c.entries[rec.NodeID] = &entry{rec: rec}
		}
		restored++
	}
	return restored
}
