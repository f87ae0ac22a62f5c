package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/catalogops/enrich-cli/internal/model"
	"github.com/catalogops/enrich-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	ThreadsTotal      int `json:"threads_total"`
	InProgress        int `json:"in_progress"`
	Done              int `json:"done"`
	NeedsReview       int `json:"needs_review"`
	RejectedDuplicate int `json:"rejected_duplicate"`
	DeadLetter        int `json:"dead_letter"`

	// FailRate is dead_letter over all terminally finished threads.
	FailRate float64 `json:"fail_rate"`

	// AvgConfidence is averaged over a recent sample of done threads.
	AvgConfidence float64 `json:"avg_confidence"`

	CollectedAt time.Time `json:"collected_at"`
}

// confidenceSampleSize bounds how many done threads feed AvgConfidence.
const confidenceSampleSize = 1000

// Collector gathers metrics from the thread store.
type Collector struct {
	store store.Store
}

// NewCollector creates a metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of pipeline metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{CollectedAt: time.Now().UTC()}

	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count threads")
	}
	snap.InProgress = counts[model.StatusInProgress]
	snap.Done = counts[model.StatusDone]
	snap.NeedsReview = counts[model.StatusNeedsHumanReview]
	snap.RejectedDuplicate = counts[model.StatusRejectedDuplicate]
	snap.DeadLetter = counts[model.StatusDeadLetter]
	for _, n := range counts {
		snap.ThreadsTotal += n
	}

	finished := snap.Done + snap.RejectedDuplicate + snap.DeadLetter
	if finished > 0 {
		snap.FailRate = float64(snap.DeadLetter) / float64(finished)
	}

	done, err := c.store.ListThreads(ctx, store.ThreadFilter{
		Status: model.StatusDone,
		Limit:  confidenceSampleSize,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list done threads")
	}
	if len(done) > 0 {
		var total float64
		for _, t := range done {
			total += t.Confidence
		}
		snap.AvgConfidence = total / float64(len(done))
	}

	return snap, nil
}
