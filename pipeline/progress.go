package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/shelf-scraper/metrics"
	"github.com/aluiziolira/shelf-scraper/models"
	"github.com/aluiziolira/shelf-scraper/scraper"
)

// Tracker holds the progress of the current or most recent ingestion run. Only the
// active run writes to it; the percentage is readable without locking.
type Tracker struct {
	percent atomic.Int32
	metrics *metrics.Metrics

	mu   sync.Mutex
	snap models.ProgressSnapshot
}

// NewTracker returns an idle tracker at 0%.
func NewTracker(m *metrics.Metrics) *Tracker {
	return &Tracker{
		metrics: m,
		snap:    models.ProgressSnapshot{State: models.StateIdle},
	}
}

// Percent returns the current progress in [0,100].
func (t *Tracker) Percent() int {
	return int(t.percent.Load())
}

// Snapshot copies the full progress state.
func (t *Tracker) Snapshot() models.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.snap
	snap.Progress = t.Percent()
	return snap
}

func (t *Tracker) begin(runID, genre string) {
	t.mu.Lock()
	t.snap = models.ProgressSnapshot{
		State:     models.StateRunning,
		RunID:     runID,
		Genre:     genre,
		StartedAt: time.Now(),
	}
	t.percent.Store(0)
	t.mu.Unlock()
	t.metrics.SetProgress(0)
}

func (t *Tracker) advance(percent, parsed int, merge models.MergeStats) {
	t.mu.Lock()
	t.snap.PagesFetched++
	t.snap.RecordsParsed += parsed
	t.snap.Merge.Add(merge)
	t.percent.Store(int32(percent))
	t.mu.Unlock()
	t.metrics.SetProgress(percent)
}

// finish records a terminal state. A failed or cancelled run keeps its last percentage.
func (t *Tracker) finish(state models.RunState, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snap.State = state
	t.snap.FinishedAt = time.Now()
	if state == models.StateCompleted {
		t.percent.Store(100)
		t.metrics.SetProgress(100)
	}
	if err != nil {
		t.snap.Error = err.Error()
		t.snap.ErrorKind = string(scraper.KindOf(err))
	}
	t.metrics.IncRun(string(state))
}
