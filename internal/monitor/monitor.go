package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"relayscope/internal/catalog"
	"relayscope/internal/common"
	"relayscope/internal/dispatch"
	"relayscope/internal/health"
	"relayscope/internal/metrics"
	"relayscope/internal/models"
	"relayscope/internal/probe"
)

// Trigger reasons.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// ReportNoNodes is the report status of a run that found nothing to probe.
const ReportNoNodes = "no_nodes"

// DefaultBatchSize bounds a run that neither checks everything nor names nodes.
const DefaultBatchSize = 50

// Trigger describes which nodes a health-check run covers.
type Trigger struct {
	// CheckAll probes every node of Source.
	CheckAll bool
	// NodeIDs selects explicit nodes; it takes precedence over CheckAll.
	NodeIDs []string
	Source  string
	// BatchSize caps the run when neither CheckAll nor NodeIDs is set.
	BatchSize int
	Reason    string
}

// RecordStore persists classifier records.
type RecordStore interface {
	Save(records []models.HealthRecord) error
}

// ReportStore keeps the last run report.
type ReportStore interface {
	Replace(report models.HealthReport) error
}

// RunObserver is told about finished runs.
type RunObserver interface {
	ObserveRun(report models.HealthReport, stats metrics.HealthStats)
}

// Options wires a Monitor.
type Options struct {
	Catalog    catalog.Source
	Dispatcher *dispatch.Dispatcher
	Classifier *health.Classifier
	Records    RecordStore
	Reports    ReportStore
	Observer   RunObserver
	Clock      clock.Clock
	Logger     *zap.Logger

	// Interval <= 0 disables the scheduled sweep.
	Interval time.Duration
	// Sources are swept on every tick. Empty sweeps the whole catalog once.
	Sources       []string
	DefaultSource string
}

// Monitor runs health checks on demand and on a schedule.
type Monitor struct {
	catalog    catalog.Source
	dispatcher *dispatch.Dispatcher
	classifier *health.Classifier
	records    RecordStore
	reports    ReportStore
	observer   RunObserver
	clock      clock.Clock
	logger     *zap.Logger

	interval      time.Duration
	sources       []string
	defaultSource string

	subMu       sync.Mutex
	subscribers map[chan models.HealthReport]struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	doneCh    chan struct{}
}

// New creates a monitor.
func New(opts Options) *Monitor {
	m := &Monitor{
		catalog:       opts.Catalog,
		dispatcher:    opts.Dispatcher,
		classifier:    opts.Classifier,
		records:       opts.Records,
		reports:       opts.Reports,
		observer:      opts.Observer,
		clock:         opts.Clock,
		logger:        opts.Logger,
		interval:      opts.Interval,
		sources:       opts.Sources,
		defaultSource: opts.DefaultSource,
		subscribers:   make(map[chan models.HealthReport]struct{}),
		doneCh:        make(chan struct{}),
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// Start launches the scheduled sweep. It returns at once when scheduling is disabled.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		if m.interval <= 0 {
			close(m.doneCh)
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		go m.run(ctx)
	})
}

// Stop cancels an in-flight sweep and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.startOnce.Do(func() { close(m.doneCh) })
		if m.cancel != nil {
			m.cancel()
		}
	})
	<-m.doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	m.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce sweeps every configured source once.
func (m *Monitor) RunOnce(ctx context.Context) []models.HealthReport {
	return m.sweep(ctx)
}

func (m *Monitor) sweep(ctx context.Context) []models.HealthReport {
	sources := m.sources
	if len(sources) == 0 {
		sources = []string{""}
	}
	reports := make([]models.HealthReport, 0, len(sources))
	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		report, err := m.Check(ctx, Trigger{CheckAll: true, Source: src, Reason: TriggerScheduled})
		if err != nil {
			m.logger.Warn("scheduled health check failed", zap.String("source", src), zap.Error(err))
			continue
		}
		reports = append(reports, report)
	}
	return reports
}

// Check runs one health check: it selects nodes from the catalog, probes them
// through the dispatcher, folds the outcomes into the classifier and persists
// the result. Cancelled probes are not classified.
func (m *Monitor) Check(ctx context.Context, trig Trigger) (models.HealthReport, error) {
	if trig.Reason == "" {
		trig.Reason = TriggerManual
	}
	source := strings.TrimSpace(trig.Source)
	if source == "" && len(trig.NodeIDs) == 0 && !trig.CheckAll {
		source = m.defaultSource
	}

	started := m.clock.Now()
	report := models.HealthReport{
		RunID:        uuid.NewString(),
		Trigger:      trig.Reason,
		Source:       source,
		ProblemNodes: []models.ProblemNode{},
		StartedAt:    started.UTC(),
	}
	logger := m.logger.With(zap.String("run_id", report.RunID), zap.String("trigger", trig.Reason))

	nodes, err := m.selectNodes(ctx, trig, source)
	if err != nil {
		return models.HealthReport{}, err
	}
	if len(nodes) == 0 {
		report.Status = ReportNoNodes
		report.FinishedAt = m.clock.Now().UTC()
		logger.Info("health check found no nodes", zap.String("source", source))
		return report, nil
	}

	logger.Info("health check started", zap.String("source", source), zap.Int("nodes", len(nodes)))
	batch, err := m.dispatcher.Run(ctx, nodes)
	if err != nil {
		return models.HealthReport{}, err
	}

	names := make(map[string]string, len(nodes))
	for _, n := range nodes {
		names[n.Key()] = n.DisplayName()
	}

	observed := make([]models.ScoredOutcome, 0, len(batch.Outcomes))
	for _, out := range batch.Outcomes {
		if !out.Success && out.Error == probe.ReasonCancelled {
			continue
		}
		observed = append(observed, out)
	}
	records := m.classifier.ObserveBatch(observed)

	for _, rec := range records {
		switch rec.Status {
		case models.StatusOnline:
			report.OnlineCount++
		case models.StatusSuspect:
			report.SuspectCount++
		case models.StatusOffline:
			report.OfflineCount++
		}
		if rec.Status == models.StatusSuspect || rec.Status == models.StatusOffline {
			report.ProblemNodes = append(report.ProblemNodes, models.ProblemNode{
				ID:     rec.NodeID,
				Name:   names[rec.NodeID],
				Status: rec.Status,
				Error:  rec.LastError,
			})
		}
	}

	finished := m.clock.Now()
	report.CheckedCount = len(records)
	report.Status = models.ReportCompleted
	if batch.Partial {
		report.Status = models.ReportPartial
	}
	report.FinishedAt = finished.UTC()
	report.DurationSeconds = roundSeconds(finished.Sub(started))

	if m.records != nil {
		if err := m.records.Save(records); err != nil {
			logger.Error("persist health records failed", zap.Error(err))
			return report, fmt.Errorf("persist health records: %w", err)
		}
	}
	if m.reports != nil {
		if err := m.reports.Replace(report); err != nil {
			logger.Warn("persist health report failed", zap.Error(err))
		}
	}
	if m.observer != nil {
		m.observer.ObserveRun(report, m.stats(ctx, source))
	}
	m.publish(report)

	logger.Info("health check finished",
		zap.String("status", report.Status),
		zap.Int("checked", report.CheckedCount),
		zap.Int("online", report.OnlineCount),
		zap.Int("suspect", report.SuspectCount),
		zap.Int("offline", report.OfflineCount),
		zap.Float64("duration_seconds", report.DurationSeconds),
		zap.Duration("probe_elapsed", batch.Elapsed),
	)
	return report, nil
}

func (m *Monitor) selectNodes(ctx context.Context, trig Trigger, source string) ([]models.Node, error) {
	nodes, err := m.catalog.Nodes(ctx, source)
	if err != nil {
		return nil, err
	}

	if len(trig.NodeIDs) > 0 {
		found, missing := catalog.Lookup(nodes, trig.NodeIDs)
		if len(missing) > 0 {
			return nil, common.NotFoundError("unknown node ids: %s", strings.Join(missing, ", "))
		}
		return found, nil
	}
	if trig.CheckAll {
		return nodes, nil
	}

	limit := trig.BatchSize
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	if len(nodes) > limit {
		nodes = nodes[:limit]
	}
	return nodes, nil
}

// Stats computes current health statistics over the catalog of source.
func (m *Monitor) Stats(ctx context.Context, source string) (metrics.HealthStats, error) {
	views, err := m.Snapshot(ctx, source)
	if err != nil {
		return metrics.HealthStats{}, err
	}
	return metrics.ComputeHealthStats(views), nil
}

// Snapshot joins the catalog of source with the current health records.
func (m *Monitor) Snapshot(ctx context.Context, source string) ([]models.NodeView, error) {
	nodes, err := m.catalog.Nodes(ctx, source)
	if err != nil {
		return nil, err
	}
	return catalog.Merge(nodes, m.classifier.Lookup(), m.classifier.InitialStatus()), nil
}

func (m *Monitor) stats(ctx context.Context, source string) metrics.HealthStats {
	stats, err := m.Stats(ctx, source)
	if err != nil {
		m.logger.Debug("stats after run unavailable", zap.Error(err))
	}
	return stats
}

// Subscribe returns a channel that receives every finished report. Slow
// subscribers miss reports rather than block runs. Call the returned func to
// unsubscribe.
func (m *Monitor) Subscribe() (<-chan models.HealthReport, func()) {
	ch := make(chan models.HealthReport, 8)
	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subscribers, ch)
			m.subMu.Unlock()
		})
	}
}

func (m *Monitor) publish(report models.HealthReport) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subscribers {
		select {
		case ch <- report:
		default:
		}
	}
}

func roundSeconds(d time.Duration) float64 {
	return float64(d.Round(time.Millisecond)) / float64(time.Second)
}
