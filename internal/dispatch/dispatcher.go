// Package dispatch fans a batch of nodes out to concurrent probes.
//
// At most Ceiling probes are in flight at any time. Results come back in
// input order regardless of completion order. With a per-probe timeout T the
// worst-case wall clock of a batch of N nodes is T * ceil(N / Ceiling).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"relayscope/internal/common"
	"relayscope/internal/models"
	"relayscope/internal/probe"
	"relayscope/internal/score"
)

// DefaultCeiling matches the historical max_concurrent of the health checker.
const DefaultCeiling = 20

// ErrEmptyBatch is returned when a batch has no nodes.
var ErrEmptyBatch = common.InvalidInputError("probe batch is empty")

// Observer receives per-probe telemetry. Implementations must be safe for concurrent use.
type Observer interface {
	ProbeStarted()
	ProbeFinished(outcome models.ScoredOutcome, elapsed time.Duration)
}

// Batch is the collated result of one Run.
type Batch struct {
	Outcomes  []models.ScoredOutcome
	Completed int
	Partial   bool
	Elapsed   time.Duration
}

// Dispatcher runs probes under a concurrency ceiling.
type Dispatcher struct {
	prober   probe.Prober
	ceiling  int
	timeout  time.Duration
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithObserver attaches telemetry hooks.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a dispatcher. timeout is only used for WorstCaseDuration; the
// prober enforces its own budget.
func New(prober probe.Prober, ceiling int, timeout time.Duration, opts ...Option) *Dispatcher {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if timeout <= 0 {
		timeout = probe.DefaultTimeout
	}
	d := &Dispatcher{
		prober:  prober,
		ceiling: ceiling,
		timeout: timeout,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Ceiling returns the configured concurrency bound.
func (d *Dispatcher) Ceiling() int {
	return d.ceiling
}

// WorstCaseDuration is the upper bound on Run's wall clock for n nodes.
func (d *Dispatcher) WorstCaseDuration(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	waves := (n + d.ceiling - 1) / d.ceiling
	return time.Duration(waves) * d.timeout
}

// PrepareBatch validates nodes and fills in derived IDs. It never mutates the input slice.
func PrepareBatch(nodes []models.Node) ([]models.Node, error) {
	if len(nodes) == 0 {
		return nil, ErrEmptyBatch
	}

	prepared := make([]models.Node, len(nodes))
	seen := make(map[string]int, len(nodes))
	var problems []string
	for i, n := range nodes {
		n.Host = strings.TrimSpace(n.Host)
		n.ID = n.Key()
		switch {
		case n.Host == "":
			problems = append(problems, fmt.Sprintf("node %d: host is required", i))
		case n.Port <= 0 || n.Port > 65535:
			problems = append(problems, fmt.Sprintf("node %d: port %d out of range", i, n.Port))
		}
		if prev, dup := seen[n.ID]; dup {
			problems = append(problems, fmt.Sprintf("node %d: duplicate id %q (first at %d)", i, n.ID, prev))
		} else {
			seen[n.ID] = i
		}
		prepared[i] = n
	}
	if len(problems) > 0 {
		return nil, common.InvalidInputError("%s", strings.Join(problems, "; "))
	}
	return prepared, nil
}

type slotResult struct {
	index   int
	outcome models.ScoredOutcome
}

// Run probes every node and returns one outcome per input position.
//
// A structural problem with the batch returns an error before any probe is
// started. Individual probe failures never fail the batch. If ctx is cancelled
// Run returns immediately: outcomes already delivered are kept, positions that
// had not reported are filled with a "cancelled" failure and Batch.Partial is set.
func (d *Dispatcher) Run(ctx context.Context, nodes []models.Node) (Batch, error) {
	prepared, err := PrepareBatch(nodes)
	if err != nil {
		return Batch{}, err
	}

	started := d.now()
	sem := semaphore.NewWeighted(int64(d.ceiling))
	// Buffered to len so abandoned probes can still deliver and exit.
	results := make(chan slotResult, len(prepared))

	launched := 0
	for i, node := range prepared {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		launched++
		go func(i int, node models.Node) {
			defer sem.Release(1)
			results <- slotResult{index: i, outcome: d.probeOne(ctx, node)}
		}(i, node)
	}

	slots := make([]models.ScoredOutcome, len(prepared))
	filled := make([]bool, len(prepared))
	completed := 0
	keep := func(res slotResult) {
		slots[res.index] = res.outcome
		filled[res.index] = true
		completed++
	}

collect:
	for completed < launched {
		select {
		case res := <-results:
			keep(res)
		case <-ctx.Done():
			// Outcomes that were already delivered still count.
			for completed < launched {
				select {
				case res := <-results:
					keep(res)
				default:
					break collect
				}
			}
		}
	}

	batch := Batch{
		Outcomes:  slots,
		Completed: completed,
		Partial:   completed < len(prepared),
		Elapsed:   d.now().Sub(started),
	}
	if batch.Partial {
		at := d.now().UTC()
		for i := range slots {
			if !filled[i] {
				slots[i] = score.Apply(models.FailedOutcome(prepared[i], probe.ReasonCancelled, at))
			}
		}
		d.logger.Info("probe batch cancelled",
			zap.Int("nodes", len(prepared)),
			zap.Int("completed", completed),
			zap.Error(context.Cause(ctx)),
		)
	}

	d.logger.Debug("probe batch finished",
		zap.Int("nodes", len(prepared)),
		zap.Int("ceiling", d.ceiling),
		zap.Duration("elapsed", batch.Elapsed),
	)
	return batch, nil
}

func (d *Dispatcher) probeOne(ctx context.Context, node models.Node) (out models.ScoredOutcome) {
	began := d.now()
	if d.observer != nil {
		d.observer.ProbeStarted()
		defer func() {
			d.observer.ProbeFinished(out, d.now().Sub(began))
		}()
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("probe panicked", zap.String("node", node.ID), zap.Any("panic", r))
			out = score.Apply(models.FailedOutcome(node, fmt.Sprintf("probe panic: %v", r), d.now().UTC()))
		}
	}()

	outcome := d.prober.Probe(ctx, node)
	// The probe sees the normalised node; keep the batch identity authoritative.
	outcome.ID = node.ID
	return score.Apply(outcome)
}

// IsInputError reports whether err came from batch validation.
func IsInputError(err error) bool {
	return errors.Is(err, common.ErrInvalidInput)
}
