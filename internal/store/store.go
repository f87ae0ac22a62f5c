package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/catalogops/enrich-cli/internal/model"
)

// Sentinel errors surfaced by Store implementations. Callers match with
// eris.Is.
var (
	// ErrNotFound means no thread exists with the given id.
	ErrNotFound = eris.New("thread not found")
	// ErrAlreadyExists means an active (non-terminal) thread already
	// holds the SKU id. Surfaced to the submitter, never retried.
	ErrAlreadyExists = eris.New("active thread already exists for sku")
	// ErrVersionConflict means the compare-and-swap expectation failed.
	// Writers reload and retry; the conflict is invisible to callers.
	ErrVersionConflict = eris.New("thread version conflict")
)

// ThreadFilter specifies criteria for listing threads.
type ThreadFilter struct {
	Status  model.ThreadStatus `json:"status,omitempty"`
	BatchID string             `json:"batch_id,omitempty"`
	SKUID   string             `json:"sku_id,omitempty"`
	Limit   int                `json:"limit,omitempty"`
	Offset  int                `json:"offset,omitempty"`
}

// Store is the durable keyed storage for per-SKU pipeline state. It is
// the sole owner of persisted thread records; every mutation goes
// through CompareAndSwap, which is the only concurrency-safety
// mechanism for shared thread state.
type Store interface {
	// CreateThread persists a new thread at version 1. It fails with
	// ErrAlreadyExists while a non-terminal thread exists for the same
	// SKU id (idempotent ingestion guard); once that thread settles
	// into a terminal state, the SKU may be resubmitted.
	CreateThread(ctx context.Context, t *model.Thread) error

	// GetThread returns the thread with the given id or ErrNotFound.
	GetThread(ctx context.Context, id string) (*model.Thread, error)

	// CompareAndSwap writes t if the stored version equals t.Version,
	// then increments the version. Returns ErrVersionConflict when the
	// expectation fails and ErrNotFound when the thread is missing.
	CompareAndSwap(ctx context.Context, t *model.Thread) error

	// ListThreads returns threads matching the filter, newest first.
	ListThreads(ctx context.Context, filter ThreadFilter) ([]model.Thread, error)

	// CountByStatus returns the number of threads per status.
	CountByStatus(ctx context.Context) (map[model.ThreadStatus]int, error)

	// AppendAudit appends a transition event to the thread's ordered
	// audit log, assigning the next per-thread sequence number.
	AppendAudit(ctx context.Context, ev *model.AuditEvent) error

	// AuditTrail returns the full ordered event stream for a thread.
	AuditTrail(ctx context.Context, threadID string) ([]model.AuditEvent, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
