// Package supervisor owns the orchestration loop: it admits batches,
// drives each SKU's thread through the fixed stage order, applies
// policy decisions, and is the sole writer of thread state. All writes
// go through the store's compare-and-swap.
package supervisor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/catalogops/enrich-cli/internal/gate"
	"github.com/catalogops/enrich-cli/internal/model"
	"github.com/catalogops/enrich-cli/internal/policy"
	"github.com/catalogops/enrich-cli/internal/stage"
	"github.com/catalogops/enrich-cli/internal/store"
)

// Config controls batch scheduling.
type Config struct {
	// Workers bounds concurrent thread loops per batch. Default: 4.
	Workers int `yaml:"workers" mapstructure:"workers"`
	// QueueDepth caps admissions per batch; 0 means unlimited.
	QueueDepth int `yaml:"queue_depth" mapstructure:"queue_depth"`
	// ConflictRetries bounds internal compare-and-swap retries.
	ConflictRetries int `yaml:"conflict_retries" mapstructure:"conflict_retries"`
}

// DefaultConfig returns the standard scheduling settings.
func DefaultConfig() Config {
	return Config{Workers: 4, ConflictRetries: 3}
}

// Sleeper waits out a backoff delay. Injected so tests run instantly.
type Sleeper func(ctx context.Context, d time.Duration) error

func defaultSleeper(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithSleeper replaces the backoff sleeper.
func WithSleeper(s Sleeper) Option {
	return func(sv *Supervisor) { sv.sleep = s }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(sv *Supervisor) { sv.now = now }
}

// Supervisor drives threads through the pipeline.
type Supervisor struct {
	st     store.Store
	reg    *stage.Registry
	engine *policy.Engine
	gate   *gate.Gate
	cfg    Config

	sleep Sleeper
	now   func() time.Time
}

// New creates a supervisor. The registry must cover every stage.
func New(st store.Store, reg *stage.Registry, engine *policy.Engine, g *gate.Gate, cfg Config, opts ...Option) (*Supervisor, error) {
	if err := reg.Complete(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = def.ConflictRetries
	}
	if g == nil {
		g = gate.New(nil)
	}
	sv := &Supervisor{
		st:     st,
		reg:    reg,
		engine: engine,
		gate:   g,
		cfg:    cfg,
		sleep:  defaultSleeper,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(sv)
	}
	return sv, nil
}

// RunBatch admits the envelope's SKUs, runs every admitted thread to a
// settled state, and reports the batch result. The result is only built
// after the completeness barrier: each admitted thread is terminal or
// held for review when this returns.
func (s *Supervisor) RunBatch(ctx context.Context, env model.BatchEnvelope) (*model.BatchResult, error) {
	if len(env.Skus) == 0 {
		return nil, eris.New("supervisor: batch has no skus")
	}
	if env.BatchID == "" {
		env.BatchID = uuid.NewString()
	}

	result := &model.BatchResult{
		BatchID:   env.BatchID,
		Submitted: len(env.Skus),
		StartedAt: s.now().UTC(),
	}

	ids := make([]string, 0, len(env.Skus))
	for i, raw := range env.Skus {
		if s.cfg.QueueDepth > 0 && len(ids) >= s.cfg.QueueDepth {
			result.NotAdmitted = append(result.NotAdmitted, model.RejectedSubmission{
				SKUID:  raw.SKUID,
				Reason: "queue depth exceeded",
			})
			continue
		}
		id, err := s.admit(ctx, env.BatchID, raw)
		if err != nil {
			if eris.Is(err, store.ErrAlreadyExists) {
				result.NotAdmitted = append(result.NotAdmitted, model.RejectedSubmission{
					SKUID:  raw.SKUID,
					Reason: "active thread already exists for sku",
				})
				continue
			}
			return nil, eris.Wrapf(err, "supervisor: admit sku %d", i)
		}
		ids = append(ids, id)
	}

	zap.L().Info("batch admitted",
		zap.String("batch_id", env.BatchID),
		zap.Int("admitted", len(ids)),
		zap.Int("rejected", len(result.NotAdmitted)))

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)
	for _, id := range ids {
		g.Go(func() error {
			return s.runThread(ctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "supervisor: run batch")
	}

	// Completeness barrier: reload every admitted thread and refuse to
	// report while any is still runnable.
	for _, id := range ids {
		t, err := s.st.GetThread(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "supervisor: barrier reload %s", id)
		}
		if !t.Status.Settled() {
			return nil, eris.Errorf("supervisor: thread %s not settled after batch run (status %s)", id, t.Status)
		}
		result.Threads = append(result.Threads, model.ThreadSummary{
			ThreadID:   t.ID,
			SKUID:      t.SKUID,
			Stage:      t.Stage,
			Status:     t.Status,
			Confidence: t.Confidence,
			Reason:     t.StatusReason,
		})
	}
	result.Tally()
	result.FinishedAt = s.now().UTC()

	zap.L().Info("batch finished",
		zap.String("batch_id", env.BatchID),
		zap.Int("done", result.Done),
		zap.Int("needs_review", result.NeedsReview),
		zap.Int("rejected_duplicate", result.Rejected),
		zap.Int("dead_letter", result.DeadLetter))

	return result, nil
}

// admit creates the thread record for one raw SKU and writes its
// creation audit event.
func (s *Supervisor) admit(ctx context.Context, batchID string, raw model.RawSku) (string, error) {
	blob, err := json.Marshal(raw)
	if err != nil {
		return "", eris.Wrap(err, "marshal raw sku")
	}

	now := s.now().UTC()
	t := &model.Thread{
		ID:        uuid.NewString(),
		SKUID:     raw.SKUID,
		BatchID:   batchID,
		Stage:     model.StageIngest,
		Status:    model.StatusInProgress,
		Payload:   model.Payload{model.PayloadSectionRaw: blob},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.st.CreateThread(ctx, t); err != nil {
		return "", err
	}

	if err := s.audit(ctx, t, model.EventCreated, 0, "admitted into batch "+batchID); err != nil {
		return "", err
	}
	return t.ID, nil
}

// audit appends one transition event for t's current state.
func (s *Supervisor) audit(ctx context.Context, t *model.Thread, typ model.EventType, attempt int, detail string) error {
	ev := &model.AuditEvent{
		ThreadID: t.ID,
		Stage:    t.Stage,
		Type:     typ,
		Attempt:  attempt,
		Status:   t.Status,
		Detail:   detail,
		At:       s.now().UTC(),
	}
	if err := s.st.AppendAudit(ctx, ev); err != nil {
		return eris.Wrapf(err, "supervisor: append audit for %s", t.ID)
	}
	return nil
}
