package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayscope/internal/common"
	"relayscope/internal/models"
	"relayscope/internal/probe"
)

// fakeProber answers from a table keyed by host and tracks concurrency.
type fakeProber struct {
	delays   map[string]time.Duration
	latency  map[string]int64
	fail     map[string]string
	inFlight atomic.Int64
	peak     atomic.Int64
	calls    atomic.Int64
	hang     map[string]bool // ignore ctx and wait for block to close
	block    chan struct{}
}

func (f *fakeProber) Probe(ctx context.Context, node models.Node) models.ProbeOutcome {
	f.calls.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if cur <= peak || f.peak.CompareAndSwap(peak, cur) {
			break
		}
	}

	if f.hang[node.Host] {
		<-f.block
	}
	if d := f.delays[node.Host]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return models.FailedOutcome(node, probe.ReasonCancelled, time.Now())
		}
	}
	if reason, ok := f.fail[node.Host]; ok {
		return models.FailedOutcome(node, reason, time.Now())
	}
	return models.ProbeOutcome{
		ID:        node.Key(),
		Host:      node.Host,
		Port:      node.Port,
		LatencyMs: f.latency[node.Host],
		Success:   true,
		Region:    "Global",
	}
}

type countingObserver struct {
	mu       sync.Mutex
	started  int
	finished int
}

func (o *countingObserver) ProbeStarted() {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *countingObserver) ProbeFinished(models.ScoredOutcome, time.Duration) {
	o.mu.Lock()
	o.finished++
	o.mu.Unlock()
}

func makeNodes(n int) []models.Node {
	nodes := make([]models.Node, n)
	for i := range nodes {
		nodes[i] = models.Node{Host: fmt.Sprintf("10.0.0.%d", i+1), Port: 443}
	}
	return nodes
}

func TestRun_ScenarioThreeNodes(t *testing.T) {
	fp := &fakeProber{
		latency: map[string]int64{"a": 80, "b": 250},
		fail:    map[string]string{"c": probe.ReasonTimeout},
	}
	d := New(fp, 3, 2500*time.Millisecond)

	batch, err := d.Run(context.Background(), []models.Node{
		{Host: "a", Port: 1},
		{Host: "b", Port: 2},
		{Host: "c", Port: 3},
	})
	require.NoError(t, err)
	require.Len(t, batch.Outcomes, 3)
	assert.False(t, batch.Partial)
	assert.Equal(t, 3, batch.Completed)

	assert.True(t, batch.Outcomes[0].Success)
	assert.Equal(t, int64(80), batch.Outcomes[0].LatencyMs)
	assert.Equal(t, 100, batch.Outcomes[0].Score)

	assert.True(t, batch.Outcomes[1].Success)
	assert.Equal(t, int64(250), batch.Outcomes[1].LatencyMs)
	assert.Equal(t, 85, batch.Outcomes[1].Score)

	assert.False(t, batch.Outcomes[2].Success)
	assert.Equal(t, int64(-1), batch.Outcomes[2].LatencyMs)
	assert.Equal(t, 0, batch.Outcomes[2].Score)
	assert.Equal(t, probe.ReasonTimeout, batch.Outcomes[2].Error)
}

func TestRun_PreservesInputOrder(t *testing.T) {
	nodes := makeNodes(12)
	fp := &fakeProber{delays: map[string]time.Duration{}, latency: map[string]int64{}}
	for i, n := range nodes {
		// Earlier nodes finish last.
		fp.delays[n.Host] = time.Duration(len(nodes)-i) * 5 * time.Millisecond
		fp.latency[n.Host] = int64(i)
	}

	batch, err := New(fp, 4, time.Second).Run(context.Background(), nodes)
	require.NoError(t, err)
	require.Len(t, batch.Outcomes, len(nodes))
	for i, out := range batch.Outcomes {
		assert.Equal(t, nodes[i].Key(), out.ID)
		assert.Equal(t, int64(i), out.LatencyMs)
	}
}

func TestRun_RespectsCeiling(t *testing.T) {
	for _, ceiling := range []int{1, 3, 8} {
		ceiling := ceiling
		t.Run(fmt.Sprintf("ceiling=%d", ceiling), func(t *testing.T) {
			t.Parallel()
			nodes := makeNodes(25)
			fp := &fakeProber{delays: map[string]time.Duration{}}
			for _, n := range nodes {
				fp.delays[n.Host] = 3 * time.Millisecond
			}
			obs := &countingObserver{}

			batch, err := New(fp, ceiling, time.Second, WithObserver(obs)).Run(context.Background(), nodes)
			require.NoError(t, err)
			assert.Len(t, batch.Outcomes, 25)
			assert.LessOrEqual(t, fp.peak.Load(), int64(ceiling))
			assert.Equal(t, int64(25), fp.calls.Load())
			assert.Equal(t, 25, obs.started)
			assert.Equal(t, 25, obs.finished)
		})
	}
}

func TestRun_EmptyBatch(t *testing.T) {
	fp := &fakeProber{}
	_, err := New(fp, 2, time.Second).Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrEmptyBatch)
	assert.True(t, common.IsInvalidInput(err))
	assert.True(t, IsInputError(err))
	assert.Zero(t, fp.calls.Load())
}

func TestRun_MalformedBatchRejectedBeforeProbing(t *testing.T) {
	fp := &fakeProber{}
	_, err := New(fp, 2, time.Second).Run(context.Background(), []models.Node{
		{Host: "a", Port: 1},
		{Host: "", Port: 2},
		{Host: "a", Port: 1},
		{Host: "b", Port: 0},
	})
	require.Error(t, err)
	assert.True(t, common.IsInvalidInput(err))
	assert.Contains(t, err.Error(), "node 1: host is required")
	assert.Contains(t, err.Error(), `duplicate id "a:1"`)
	assert.Contains(t, err.Error(), "node 3: port 0 out of range")
	assert.Zero(t, fp.calls.Load())
}

func TestRun_DerivesIDs(t *testing.T) {
	fp := &fakeProber{}
	nodes := []models.Node{{Host: " h ", Port: 8080}, {ID: "explicit", Host: "h", Port: 8081}}
	batch, err := New(fp, 2, time.Second).Run(context.Background(), nodes)
	require.NoError(t, err)
	assert.Equal(t, "h:8080", batch.Outcomes[0].ID)
	assert.Equal(t, "explicit", batch.Outcomes[1].ID)
	// input untouched
	assert.Empty(t, nodes[0].ID)
}

func TestRun_CancellationReturnsPartialBatch(t *testing.T) {
	nodes := makeNodes(6)
	fp := &fakeProber{hang: map[string]bool{}, block: make(chan struct{})}
	defer close(fp.block)
	// First two return at once, the rest never report back.
	for i, n := range nodes {
		if i >= 2 {
			fp.hang[n.Host] = true
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for fp.calls.Load() < 4 {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	started := time.Now()
	batch, err := New(fp, 4, time.Second).Run(ctx, nodes)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 5*time.Second)

	require.Len(t, batch.Outcomes, len(nodes))
	assert.True(t, batch.Partial)
	assert.Equal(t, 2, batch.Completed)
	assert.True(t, batch.Outcomes[0].Success)
	assert.True(t, batch.Outcomes[1].Success)
	for i := 2; i < len(nodes); i++ {
		assert.False(t, batch.Outcomes[i].Success)
		assert.Equal(t, nodes[i].Key(), batch.Outcomes[i].ID)
		assert.Equal(t, probe.ReasonCancelled, batch.Outcomes[i].Error)
		assert.Equal(t, int64(-1), batch.Outcomes[i].LatencyMs)
	}
}

func TestRun_CancelWhileWaitingForSlotKeepsFinishedOutcomes(t *testing.T) {
	for round := 0; round < 50; round++ {
		nodes := makeNodes(5)
		fp := &fakeProber{hang: map[string]bool{}, block: make(chan struct{})}
		// Nodes 0 and 1 answer at once, 2 and 3 hold both slots, 4 waits in Acquire.
		fp.hang[nodes[2].Host] = true
		fp.hang[nodes[3].Host] = true

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			for fp.calls.Load() < 4 {
				time.Sleep(time.Millisecond)
			}
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()

		batch, err := New(fp, 2, time.Second).Run(ctx, nodes)
		close(fp.block)
		require.NoError(t, err)

		require.Len(t, batch.Outcomes, len(nodes))
		assert.True(t, batch.Partial)
		assert.Equal(t, 2, batch.Completed, "round %d", round)
		assert.True(t, batch.Outcomes[0].Success, "round %d", round)
		assert.True(t, batch.Outcomes[1].Success, "round %d", round)
		for i := 2; i < len(nodes); i++ {
			assert.Equal(t, probe.ReasonCancelled, batch.Outcomes[i].Error, "round %d", round)
		}
	}
}

func TestWorstCaseDuration(t *testing.T) {
	d := New(&fakeProber{}, 20, 2500*time.Millisecond)
	assert.Equal(t, time.Duration(0), d.WorstCaseDuration(0))
	assert.Equal(t, 2500*time.Millisecond, d.WorstCaseDuration(1))
	assert.Equal(t, 2500*time.Millisecond, d.WorstCaseDuration(20))
	assert.Equal(t, 5*time.Second, d.WorstCaseDuration(21))
	assert.Equal(t, 20, d.Ceiling())

	assert.Equal(t, DefaultCeiling, New(&fakeProber{}, 0, 0).Ceiling())
}

func TestRun_BoundedByWorstCase(t *testing.T) {
	nodes := makeNodes(6)
	fp := &fakeProber{delays: map[string]time.Duration{}}
	for _, n := range nodes {
		fp.delays[n.Host] = 40 * time.Millisecond
	}
	d := New(fp, 2, 40*time.Millisecond)

	batch, err := d.Run(context.Background(), nodes)
	require.NoError(t, err)
	// three waves of 40ms, with scheduling slack
	assert.Less(t, batch.Elapsed, d.WorstCaseDuration(len(nodes))+500*time.Millisecond)
}
