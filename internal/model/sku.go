package model

import (
	"encoding/json"
	"time"
)

// RawSku is one unprocessed catalog record. The orchestrator only
// requires SKUID; everything else is an opaque blob for the stage nodes.
type RawSku struct {
	SKUID       string          `json:"sku_id" yaml:"sku_id"`
	Name        string          `json:"name,omitempty" yaml:"name,omitempty"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string          `json:"category,omitempty" yaml:"category,omitempty"`
	Price       float64         `json:"price,omitempty" yaml:"price,omitempty"`
	Currency    string          `json:"currency,omitempty" yaml:"currency,omitempty"`
	Attributes  map[string]any  `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Extra       json.RawMessage `json:"extra,omitempty" yaml:"-"`
}

// BatchEnvelope is the ingestion boundary: a set of raw SKUs submitted
// and tracked together for completion.
type BatchEnvelope struct {
	BatchID    string    `json:"batch_id" yaml:"batch_id"`
	ReceivedAt time.Time `json:"received_at" yaml:"received_at"`
	Source     string    `json:"source,omitempty" yaml:"source,omitempty"`
	Skus       []RawSku  `json:"skus" yaml:"skus"`
}

// ThreadSummary is the per-thread slice of a batch result.
type ThreadSummary struct {
	ThreadID   string       `json:"thread_id"`
	SKUID      string       `json:"sku_id"`
	Stage      Stage        `json:"stage"`
	Status     ThreadStatus `json:"status"`
	Confidence float64      `json:"confidence"`
	Reason     string       `json:"reason,omitempty"`
}

// RejectedSubmission records a SKU the supervisor refused to admit.
type RejectedSubmission struct {
	SKUID  string `json:"sku_id"`
	Reason string `json:"reason"`
}

// BatchResult is reported only after the completeness barrier: every
// admitted thread is terminal or held for human review.
type BatchResult struct {
	BatchID     string               `json:"batch_id"`
	Submitted   int                  `json:"submitted"`
	Done        int                  `json:"done"`
	NeedsReview int                  `json:"needs_review"`
	Rejected    int                  `json:"rejected_duplicate"`
	DeadLetter  int                  `json:"dead_letter"`
	Threads     []ThreadSummary      `json:"threads"`
	NotAdmitted []RejectedSubmission `json:"not_admitted,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  time.Time            `json:"finished_at"`
}

// Tally recomputes the per-status counters from the thread summaries.
func (r *BatchResult) Tally() {
	r.Done, r.NeedsReview, r.Rejected, r.DeadLetter = 0, 0, 0, 0
	for _, t := range r.Threads {
		switch t.Status {
		case StatusDone:
			r.Done++
		case StatusNeedsHumanReview:
			r.NeedsReview++
		case StatusRejectedDuplicate:
			r.Rejected++
		case StatusDeadLetter:
			r.DeadLetter++
		}
	}
}

// DispatchStatus is the publishing collaborator's response state.
type DispatchStatus string

const (
	DispatchQueued       DispatchStatus = "queued"
	DispatchSuccess      DispatchStatus = "success"
	DispatchRetryPending DispatchStatus = "retry_pending"
)

// Receipt is returned by the publishing boundary for one dispatch.
type Receipt struct {
	Destination    string         `json:"destination"`
	DispatchStatus DispatchStatus `json:"dispatch_status"`
	AttemptCount   int            `json:"attempt_count"`
}
