package model

import (
	"encoding/json"
	"time"
)

// Stage is one ordered step of the enrichment pipeline.
type Stage string

const (
	StageIngest    Stage = "ingest"
	StageExtract   Stage = "extract"
	StageValidate  Stage = "validate"
	StageCopywrite Stage = "copywrite"
	StageLocalize  Stage = "localize"
	StagePublish   Stage = "publish"
)

// StageOrder is the fixed pipeline sequence. Threads advance strictly
// forward through it; the only same-stage transition is a retry.
var StageOrder = []Stage{
	StageIngest,
	StageExtract,
	StageValidate,
	StageCopywrite,
	StageLocalize,
	StagePublish,
}

// Index returns the position of s in StageOrder, or -1 if unknown.
func (s Stage) Index() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage following s. ok is false when s is the last
// stage or not part of the pipeline.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i >= len(StageOrder)-1 {
		return "", false
	}
	return StageOrder[i+1], true
}

// Valid reports whether s names a pipeline stage.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// ThreadStatus represents the current state of a thread.
type ThreadStatus string

const (
	StatusInProgress       ThreadStatus = "in_progress"
	StatusDone             ThreadStatus = "done"
	StatusNeedsHumanReview ThreadStatus = "needs_human_review"
	StatusRejectedDuplicate ThreadStatus = "rejected_duplicate"
	StatusDeadLetter       ThreadStatus = "dead_letter"
)

// Terminal reports whether the status ends a thread's lifecycle.
// needs_human_review is a stable holding state, not terminal: an
// external resume signal can re-enter the pipeline from it.
func (s ThreadStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusRejectedDuplicate, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// Settled reports whether a thread no longer needs supervisor
// scheduling: terminal, or held for human review.
func (s ThreadStatus) Settled() bool {
	return s.Terminal() || s == StatusNeedsHumanReview
}

// Payload holds the accumulated structured data produced by completed
// stages, keyed by stage name plus the raw input section. Completed
// sections are never overwritten by later stages.
type Payload map[string]json.RawMessage

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// PayloadSectionRaw is the payload key holding the raw SKU input.
const PayloadSectionRaw = "raw"

// Thread is the persisted per-SKU pipeline state.
type Thread struct {
	ID            string       `json:"id"`
	SKUID         string       `json:"sku_id"`
	BatchID       string       `json:"batch_id"`
	Stage         Stage        `json:"stage"`
	Status        ThreadStatus `json:"status"`
	Payload       Payload      `json:"payload"`
	Confidence    float64      `json:"confidence"`
	Attempts      int          `json:"attempts"`
	EscalatedFrom Stage        `json:"escalated_from,omitempty"`
	StatusReason  string       `json:"status_reason,omitempty"`
	Version       int64        `json:"version"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Snapshot returns an immutable copy handed to stage nodes. Nodes never
// see (or mutate) live orchestration state.
func (t *Thread) Snapshot() ThreadSnapshot {
	return ThreadSnapshot{
		ThreadID:   t.ID,
		SKUID:      t.SKUID,
		Stage:      t.Stage,
		Attempt:    t.Attempts,
		Confidence: t.Confidence,
		Payload:    t.Payload.Clone(),
	}
}

// ThreadSnapshot is the read-only view a stage node executes against.
type ThreadSnapshot struct {
	ThreadID   string  `json:"thread_id"`
	SKUID      string  `json:"sku_id"`
	Stage      Stage   `json:"stage"`
	Attempt    int     `json:"attempt"`
	Confidence float64 `json:"confidence"`
	Payload    Payload `json:"payload"`
}

// OutcomeStatus is the status a stage node reports for one invocation.
type OutcomeStatus string

const (
	OutcomeSuccess     OutcomeStatus = "success"
	OutcomeNeedsReview OutcomeStatus = "needs_review"
	OutcomeFailure     OutcomeStatus = "failure"
)

// Violation flags a business-rule breach detected by a stage node.
type Violation string

const (
	// ViolationDuplicate marks an exact duplicate of an already-published
	// SKU. Terminal: the thread is rejected without human review.
	ViolationDuplicate Violation = "duplicate"
	// ViolationSuspectedDuplicate marks a near-match that a human must
	// adjudicate.
	ViolationSuspectedDuplicate Violation = "suspected_duplicate"
	// ViolationCompliance marks restricted or non-compliant content.
	ViolationCompliance Violation = "compliance"
)

// StageOutcome is the return contract of a stage node invocation. It is
// never persisted directly; the supervisor folds it into the thread.
type StageOutcome struct {
	Status     OutcomeStatus   `json:"status"`
	Confidence float64         `json:"confidence"`
	Evidence   []string        `json:"evidence,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Violation  Violation       `json:"violation,omitempty"`
	Err        string          `json:"error,omitempty"`
}

// EventType categorizes an audit log entry.
type EventType string

const (
	EventCreated       EventType = "created"
	EventAdvanced      EventType = "advanced"
	EventRetryScheduled EventType = "retry_scheduled"
	EventEscalated     EventType = "escalated"
	EventResumed       EventType = "resumed"
	EventTerminated    EventType = "terminated"
)

// AuditEvent is one append-only record of a stage transition. Events for
// a thread are totally ordered by Seq and never mutated or reordered.
type AuditEvent struct {
	Seq      int64        `json:"seq"`
	ThreadID string       `json:"thread_id"`
	Stage    Stage        `json:"stage"`
	Type     EventType    `json:"type"`
	Attempt  int          `json:"attempt"`
	Status   ThreadStatus `json:"status"`
	Detail   string       `json:"detail,omitempty"`
	At       time.Time    `json:"at"`
}

// QAPackage is the handoff snapshot emitted when a thread escalates.
type QAPackage struct {
	SKUID           string       `json:"sku_id"`
	ThreadID        string       `json:"thread_id"`
	CurrentStatus   ThreadStatus `json:"current_status"`
	Stage           Stage        `json:"stage"`
	PayloadSnapshot Payload      `json:"payload_snapshot"`
	Evidence        []string     `json:"evidence,omitempty"`
	Reason          string       `json:"reason"`
}

// ReviewDecision is a human reviewer's verdict on an escalated thread.
type ReviewDecision string

const (
	DecisionApprove  ReviewDecision = "approve"
	DecisionReject   ReviewDecision = "reject"
	DecisionOverride ReviewDecision = "override"
)

// ResumeSignal carries a reviewer decision back into the pipeline.
type ResumeSignal struct {
	ThreadID      string          `json:"thread_id"`
	Decision      ReviewDecision  `json:"decision"`
	EditedPayload Payload         `json:"edited_payload,omitempty"`
	Confidence    *float64        `json:"confidence,omitempty"`
	Reviewer      string          `json:"reviewer,omitempty"`
	Note          string          `json:"note,omitempty"`
}
