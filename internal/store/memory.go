package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/catalogops/enrich-cli/internal/model"
)

// MemoryStore implements Store in memory. Used by tests and as a
// scratch backend for dry runs; it honors the same CAS and idempotency
// semantics as the durable drivers.
type MemoryStore struct {
	mu      sync.Mutex
	threads map[string]*model.Thread
	audits  map[string][]model.AuditEvent
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]*model.Thread),
		audits:  make(map[string][]model.AuditEvent),
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

func (s *MemoryStore) CreateThread(ctx context.Context, t *model.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A held (needs_human_review) thread still owns its SKU until
	// resolved, so the guard keys on terminal rather than settled.
	for _, existing := range s.threads {
		if existing.SKUID == t.SKUID && !existing.Status.Terminal() {
			return eris.Wrapf(ErrAlreadyExists, "sku %s", t.SKUID)
		}
	}
	if _, ok := s.threads[t.ID]; ok {
		return eris.Wrapf(ErrAlreadyExists, "thread %s", t.ID)
	}

	now := time.Now().UTC()
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	cp.Payload = t.Payload.Clone()
	s.threads[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "thread %s", id)
	}
	cp := *t
	cp.Payload = t.Payload.Clone()
	return &cp, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, t *model.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.threads[t.ID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "thread %s", t.ID)
	}
	if stored.Version != t.Version {
		return eris.Wrapf(ErrVersionConflict, "thread %s at version %d", t.ID, t.Version)
	}

	now := time.Now().UTC()
	cp := *t
	cp.Payload = t.Payload.Clone()
	cp.Version = stored.Version + 1
	cp.CreatedAt = stored.CreatedAt
	cp.UpdatedAt = now
	s.threads[t.ID] = &cp

	t.Version = cp.Version
	t.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ListThreads(ctx context.Context, filter ThreadFilter) ([]model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Thread
	for _, t := range s.threads {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.BatchID != "" && t.BatchID != filter.BatchID {
			continue
		}
		if filter.SKUID != "" && t.SKUID != filter.SKUID {
			continue
		}
		cp := *t
		cp.Payload = t.Payload.Clone()
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[model.ThreadStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[model.ThreadStatus]int)
	for _, t := range s.threads {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, ev *model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ev.Seq = int64(len(s.audits[ev.ThreadID])) + 1
	s.audits[ev.ThreadID] = append(s.audits[ev.ThreadID], *ev)
	return nil
}

func (s *MemoryStore) AuditTrail(ctx context.Context, threadID string) ([]model.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.audits[threadID]
	out := make([]model.AuditEvent, len(events))
	copy(out, events)
	return out, nil
}
